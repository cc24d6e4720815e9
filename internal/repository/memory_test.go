package repository

import (
	"context"
	"testing"
	"time"

	"taskflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string) models.ChangeRecord {
	return models.ChangeRecord{
		ID:          id,
		EntityType:  models.EntityTask,
		Operation:   models.OpUpdate,
		EntityID:    "task-1",
		Payload:     models.Entity{"status": models.TaskComplete},
		ChangeClass: models.ClassStatus,
		CreatedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestMemoryJournal(t *testing.T) {
	repo := NewMemoryJournal()
	ctx := context.Background()

	t.Run("AppendKeepsOrder", func(t *testing.T) {
		require.NoError(t, repo.AppendChange(ctx, record("c1")))
		require.NoError(t, repo.AppendChange(ctx, record("c2")))
		require.NoError(t, repo.AppendChange(ctx, record("c3")))

		got, err := repo.PendingChanges(ctx)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"c1", "c2", "c3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	})

	t.Run("AckRemovesOutOfOrder", func(t *testing.T) {
		require.NoError(t, repo.AckChanges(ctx, []string{"c2"}))
		got, err := repo.PendingChanges(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "c1", got[0].ID)
		assert.Equal(t, "c3", got[1].ID)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, repo.ClearChanges(ctx))
		got, err := repo.PendingChanges(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("DeadLetter", func(t *testing.T) {
		require.NoError(t, repo.PushDeadLetter(ctx, []models.ChangeRecord{record("c9")}, "boom"))
		dead, err := repo.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "boom", dead[0].Cause)
		assert.Equal(t, "c9", dead[0].Records[0].ID)
	})

	t.Run("RateLimit", func(t *testing.T) {
		userID := "user-456"
		allowed, _ := repo.CheckRateLimit(ctx, userID, 2, 50*time.Millisecond)
		assert.True(t, allowed)
		allowed, _ = repo.CheckRateLimit(ctx, userID, 2, 50*time.Millisecond)
		assert.True(t, allowed)
		allowed, _ = repo.CheckRateLimit(ctx, userID, 2, 50*time.Millisecond)
		assert.False(t, allowed)

		// Wait for expiry
		time.Sleep(60 * time.Millisecond)
		allowed, _ = repo.CheckRateLimit(ctx, userID, 2, 50*time.Millisecond)
		assert.True(t, allowed)
	})
}
