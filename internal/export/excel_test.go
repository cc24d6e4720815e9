package export

import (
	"path/filepath"
	"testing"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleData() models.UserData {
	return models.UserData{
		Tasks: map[string]models.Entity{
			"t2": {"id": "t2", "title": "Review", "status": models.TaskComplete, "priority": float64(2)},
			"t1": {"title": "Write", "status": models.TaskWorkingOnIt},
		},
		Goals: map[string]models.Entity{
			"g1": {"id": "g1", "title": "Ship", "tags": []any{"a", "b"}},
		},
		Dashboard:    models.Entity{"id": "dashboard", "layout": "grid"},
		LastSyncedAt: time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC),
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	e := NewExporter(config.ExportConfig{}, nil)

	state := models.SyncState{SyncStatus: models.SyncError, PendingChanges: 3, LastError: "boom"}
	require.NoError(t, e.WriteFile(path, sampleData(), state))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Sync", "Tasks", "Goals", "Categories", "Dashboard"}, f.GetSheetList())

	rows, err := f.GetRows("Tasks")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "priority", "status", "title"}, rows[0])
	assert.Equal(t, "t1", rows[1][0])
	assert.Equal(t, "Write", rows[1][3])
	assert.Equal(t, []string{"t2", "2", models.TaskComplete, "Review"}, rows[2])

	goals, err := f.GetRows("Goals")
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, "[a b]", goals[1][1])

	summary, err := f.GetRows("Sync")
	require.NoError(t, err)
	assert.Equal(t, []string{"Status", "error"}, summary[0])
	assert.Equal(t, []string{"Last synced", "2026-04-02 08:30:00"}, summary[1])
	assert.Equal(t, []string{"Pending changes", "3"}, summary[2])

	dash, err := f.GetRows("Dashboard")
	require.NoError(t, err)
	assert.Equal(t, []string{"dashboard", "grid"}, dash[1])
}

func TestExportCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports", "nested")
	e := NewExporter(config.ExportConfig{Path: dir}, nil)
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	path, err := e.Export(models.UserData{}, models.SyncState{SyncStatus: models.SyncIdle})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "taskflow_20260102_030405.xlsx"), path)
	assert.FileExists(t, path)
}
