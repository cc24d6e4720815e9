package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"taskflow/internal/api"
	"taskflow/internal/config"
	"taskflow/internal/database"
	"taskflow/internal/models"
	"taskflow/internal/repository"
	"taskflow/internal/store"
	"taskflow/internal/syncer"
	"taskflow/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *SyncService
	db      *database.DB
	journal *repository.MemoryJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "server.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := api.NewHTTPServer(config.ServerConfig{}, api.Deps{Items: db, Logger: &logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := transport.NewClient(config.ClientConfig{
		BaseURL:        ts.URL,
		UserID:         "u1",
		Timeout:        5 * time.Second,
		LoadMaxElapsed: 5 * time.Second,
	}, &logger)

	journal := repository.NewMemoryJournal()
	st := store.New(&logger)
	engine := syncer.NewEngine(client, st, syncer.Options{
		Journal:    journal,
		DeadLetter: journal,
		Logger:     &logger,
	})
	svc := NewSyncService(st, engine, client, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{svc: svc, db: db, journal: journal}
}

func TestSyncServiceRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.db.CreateItem(ctx, models.StoredItem{
		ID: "t1", UserID: "u1", Type: models.EntityTask,
		Data:      models.Entity{"id": "t1", "title": "Write", "status": models.TaskNotStarted},
		UpdatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.LoadInitialData(ctx))
	task, ok := f.svc.Store().Get(models.EntityTask, "t1")
	require.True(t, ok)
	assert.Equal(t, "Write", task.String("title"))

	_, err = f.svc.UpdateTaskStatus(ctx, "t1", models.TaskComplete)
	require.NoError(t, err)

	goal, err := f.svc.Change(ctx, syncer.ChangeInput{
		EntityType:  models.EntityGoal,
		Operation:   models.OpCreate,
		Payload:     models.Entity{"title": "Ship"},
		ChangeClass: models.ClassText,
	})
	require.NoError(t, err)
	require.NotEmpty(t, goal.EntityID)

	// Optimistic apply happens before the server sees anything.
	task, _ = f.svc.Store().Get(models.EntityTask, "t1")
	assert.Equal(t, models.TaskComplete, task.String("status"))
	assert.Equal(t, 2, f.svc.Status().PendingChanges)

	require.NoError(t, f.svc.SyncAll(ctx))

	st := f.svc.Status()
	assert.Equal(t, models.SyncIdle, st.SyncStatus)
	assert.Zero(t, st.PendingChanges)
	require.NotNil(t, st.LastSynced)

	pending, err := f.journal.PendingChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := f.db.GetItem(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskComplete, stored.Data.String("status"))

	storedGoal, err := f.db.GetItem(ctx, "u1", goal.EntityID)
	require.NoError(t, err)
	require.NotNil(t, storedGoal)
	assert.Equal(t, "Ship", storedGoal.Data.String("title"))

	// A write from another device shows up with the next sync.
	_, err = f.db.UpdateItem(ctx, "u1", "t1", models.Entity{"title": "Write more"}, time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = f.svc.Change(ctx, syncer.ChangeInput{
		EntityType: models.EntityCategory,
		Operation:  models.OpCreate,
		EntityID:   "c1",
		Payload:    models.Entity{"name": "Work"},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.SyncAll(ctx))

	task, _ = f.svc.Store().Get(models.EntityTask, "t1")
	assert.Equal(t, "Write more", task.String("title"))
	assert.Equal(t, models.TaskComplete, task.String("status"))

	snap := f.svc.Snapshot()
	assert.Len(t, snap.Categories, 1)
	assert.False(t, snap.LastSyncedAt.Before(*st.LastSynced))
}

func TestSyncServiceRejectsInvalidChange(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Change(context.Background(), syncer.ChangeInput{
		EntityType: models.EntityTask,
		Operation:  models.OpUpdate,
		Payload:    models.Entity{"title": "no id"},
	})
	var invalid *syncer.InvalidChangeError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "id", invalid.Field)
	assert.Zero(t, f.svc.Store().Count(models.EntityTask))
	assert.Zero(t, f.svc.Status().PendingChanges)
}

func TestSyncServiceClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Change(ctx, syncer.ChangeInput{
		EntityType: models.EntityTask,
		Operation:  models.OpCreate,
		EntityID:   "t1",
		Payload:    models.Entity{"title": "Draft"},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Clear(ctx))

	assert.Zero(t, f.svc.Status().PendingChanges)
	require.NoError(t, f.svc.SyncAll(ctx))

	item, err := f.db.GetItem(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) LoadUserData(ctx context.Context) (*models.UserData, error) {
	args := m.Called(ctx)
	if data, ok := args.Get(0).(*models.UserData); ok {
		return data, args.Error(1)
	}
	return nil, args.Error(1)
}

func startService(t *testing.T, loader UserDataLoader) *SyncService {
	t.Helper()
	st := store.New(nil)
	engine := syncer.NewEngine(nil, st, syncer.Options{})
	svc := NewSyncService(st, engine, loader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc
}

func TestSyncServiceLoadInitialData(t *testing.T) {
	loader := new(mockLoader)
	syncedAt := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	loader.On("LoadUserData", mock.Anything).Return(&models.UserData{
		Tasks:        map[string]models.Entity{"t1": {"id": "t1", "title": "Plan"}},
		Goals:        map[string]models.Entity{"g1": {"id": "g1"}},
		Dashboard:    models.Entity{"layout": "grid"},
		LastSyncedAt: syncedAt,
	}, nil)

	svc := startService(t, loader)
	require.NoError(t, svc.LoadInitialData(context.Background()))

	assert.Equal(t, 1, svc.Store().Count(models.EntityTask))
	assert.Equal(t, 1, svc.Store().Count(models.EntityGoal))
	dash, ok := svc.Store().Get(models.EntityDashboard, store.DashboardID)
	require.True(t, ok)
	assert.Equal(t, "grid", dash.String("layout"))

	st := svc.Status()
	require.NotNil(t, st.LastSynced)
	assert.True(t, st.LastSynced.Equal(syncedAt))
	assert.Equal(t, models.SyncIdle, st.SyncStatus)
	loader.AssertExpectations(t)
}

func TestSyncServiceLoadInitialDataError(t *testing.T) {
	loader := new(mockLoader)
	loader.On("LoadUserData", mock.Anything).Return(nil, assert.AnError)

	svc := startService(t, loader)
	err := svc.LoadInitialData(context.Background())
	require.ErrorIs(t, err, assert.AnError)

	assert.Zero(t, svc.Store().Count(models.EntityTask))
	assert.Nil(t, svc.Status().LastSynced)
	loader.AssertExpectations(t)
}
