package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary = "Sync"
	timeLayout   = "2006-01-02 15:04:05"
)

var entitySheets = []struct {
	name string
	typ  models.EntityType
}{
	{"Tasks", models.EntityTask},
	{"Goals", models.EntityGoal},
	{"Categories", models.EntityCategory},
	{"Dashboard", models.EntityDashboard},
}

// Exporter writes the local store to XLSX workbooks.
type Exporter struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

func NewExporter(cfg config.ExportConfig, logger *zerolog.Logger) *Exporter {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "export").Logger()
	}
	return &Exporter{dir: cfg.Path, logger: l, now: time.Now}
}

// Export writes a timestamped workbook into the export directory and
// returns its path.
func (e *Exporter) Export(data models.UserData, state models.SyncState) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}
	filePath := filepath.Join(e.dir, fmt.Sprintf("taskflow_%s.xlsx", e.now().Format("20060102_150405")))
	if err := e.WriteFile(filePath, data, state); err != nil {
		return "", err
	}
	return filePath, nil
}

// WriteFile writes the workbook to path.
func (e *Exporter) WriteFile(path string, data models.UserData, state models.SyncState) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("error creating style: %w", err)
	}

	if err := writeSummary(f, header, data, state); err != nil {
		return err
	}
	for _, s := range entitySheets {
		rows := entitiesOf(data, s.typ)
		if err := writeEntities(f, header, s.name, rows); err != nil {
			return err
		}
	}

	_ = f.DeleteSheet("Sheet1")
	if idx, err := f.GetSheetIndex(sheetSummary); err == nil {
		f.SetActiveSheet(idx)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("error saving file: %w", err)
	}
	e.logger.Info().Str("file_path", path).Msg("Excel file created")
	return nil
}

func entitiesOf(data models.UserData, t models.EntityType) []models.Entity {
	var src map[string]models.Entity
	switch t {
	case models.EntityTask:
		src = data.Tasks
	case models.EntityGoal:
		src = data.Goals
	case models.EntityCategory:
		src = data.Categories
	case models.EntityDashboard:
		if data.Dashboard == nil {
			return nil
		}
		return []models.Entity{data.Dashboard}
	}

	ids := make([]string, 0, len(src))
	for id := range src {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		e := src[id].Clone()
		if e == nil {
			e = models.Entity{}
		}
		if _, ok := e["id"]; !ok {
			e["id"] = id
		}
		out = append(out, e)
	}
	return out
}

func writeSummary(f *excelize.File, header int, data models.UserData, state models.SyncState) error {
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}

	lastSynced := ""
	if state.LastSynced != nil {
		lastSynced = state.LastSynced.UTC().Format(timeLayout)
	} else if !data.LastSyncedAt.IsZero() {
		lastSynced = data.LastSyncedAt.UTC().Format(timeLayout)
	}

	rows := [][]any{
		{"Status", string(state.SyncStatus)},
		{"Last synced", lastSynced},
		{"Pending changes", state.PendingChanges},
		{"Last error", state.LastError},
		{"Tasks", len(data.Tasks)},
		{"Goals", len(data.Goals)},
		{"Categories", len(data.Categories)},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return fmt.Errorf("error writing summary: %w", err)
		}
	}
	_ = f.SetCellStyle(sheetSummary, "A1", fmt.Sprintf("A%d", len(rows)), header)
	_ = f.SetColWidth(sheetSummary, "A", "A", 20)
	_ = f.SetColWidth(sheetSummary, "B", "B", 30)
	return nil
}

func writeEntities(f *excelize.File, header int, sheet string, rows []models.Entity) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}

	cols := columns(rows)
	for i, name := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, name)
		_ = f.SetCellStyle(sheet, cell, cell, header)
	}

	styles := statusStyles(f)
	for r, e := range rows {
		for c, name := range cols {
			v, ok := e[name]
			if !ok || v == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheet, cell, cellValue(v)); err != nil {
				return fmt.Errorf("error writing %s: %w", cell, err)
			}
			if name == "status" {
				if id, ok := styles[e.String("status")]; ok {
					_ = f.SetCellStyle(sheet, cell, cell, id)
				}
			}
		}
	}

	if len(cols) > 0 {
		last, _ := excelize.ColumnNumberToName(len(cols))
		_ = f.SetColWidth(sheet, "A", last, 20)
	}
	return nil
}

// columns returns the union of field names with id first.
func columns(rows []models.Entity) []string {
	seen := map[string]bool{"id": true}
	var rest []string
	for _, e := range rows {
		for k := range e {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	return append([]string{"id"}, rest...)
}

func cellValue(v any) any {
	switch x := v.(type) {
	case string, bool, float64, float32, int, int64:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func statusStyles(f *excelize.File) map[string]int {
	colors := map[string]string{
		models.TaskComplete:    "#C6EFCE",
		models.TaskWorkingOnIt: "#FFEB9C",
		models.TaskNotStarted:  "#F2F2F2",
	}
	out := make(map[string]int, len(colors))
	for status, color := range colors {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			out[status] = id
		}
	}
	return out
}
