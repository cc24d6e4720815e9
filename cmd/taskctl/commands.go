package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"taskflow/internal/export"
	"taskflow/internal/models"
	"taskflow/internal/syncer"

	"github.com/spf13/cobra"
)

func loadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Fetch the user's data and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			a.start()

			if err := a.svc.LoadInitialData(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			snap := a.svc.Snapshot()
			for _, t := range models.EntityTypes {
				fmt.Fprintf(out, "%-10s %d\n", t, a.svc.Store().Count(t))
			}
			fmt.Fprintf(out, "Last synced at %s\n", snap.LastSyncedAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
}

func changeCmd(configPath *string) *cobra.Command {
	var (
		entity string
		op     string
		id     string
		class  string
		sets   []string
	)

	cmd := &cobra.Command{
		Use:   "change",
		Short: "Apply one change and sync it",
		Example: `  taskctl change --entity task --op update --id t1 --class status --set status=complete
  taskctl change --entity goal --op create --class text --set title="Run a marathon"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseSets(sets)
			if err != nil {
				return err
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			a.start()

			ctx := cmd.Context()
			if err := a.svc.LoadInitialData(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("Initial load failed, continuing offline")
			}

			rec, err := a.svc.Change(ctx, syncer.ChangeInput{
				EntityType:  models.EntityType(entity),
				Operation:   models.Operation(op),
				EntityID:    id,
				Payload:     payload,
				ChangeClass: models.ChangeClass(class),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s %s (%s)\n", rec.Operation, rec.EntityType, rec.EntityID, rec.ChangeClass)

			syncErr := a.svc.SyncAll(ctx)
			printStatus(cmd.OutOrStdout(), a.svc.Status())
			return syncErr
		},
	}

	cmd.Flags().StringVarP(&entity, "entity", "e", string(models.EntityTask), "Entity type (task, goal, category, dashboard)")
	cmd.Flags().StringVarP(&op, "op", "o", string(models.OpUpdate), "Operation (create, update, delete)")
	cmd.Flags().StringVar(&id, "id", "", "Entity id (required for update and delete)")
	cmd.Flags().StringVar(&class, "class", string(models.ClassDefault), "Change class (text, status, priority, drag, default)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Field assignment key=value; values are parsed as JSON when possible")

	return cmd
}

// parseSets turns key=value pairs into a payload. Values that are valid JSON
// keep their JSON type; anything else is a string.
func parseSets(sets []string) (models.Entity, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	out := make(models.Entity, len(sets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", s)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func syncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send every journaled change now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			a.start()

			syncErr := a.svc.SyncAll(cmd.Context())
			printStatus(cmd.OutOrStdout(), a.svc.Status())
			return syncErr
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending changes in the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			pending, err := a.journal.PendingChanges(ctx)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}

			fmt.Fprintf(out, "Journal:  %s\n", a.cfg.Sync.Journal)
			fmt.Fprintf(out, "Pending:  %d\n", len(pending))
			for _, line := range bucketSummary(pending) {
				fmt.Fprintf(out, "  %s\n", line)
			}

			if lister, ok := a.journal.(deadLetterLister); ok {
				dead, err := lister.DeadLetters(ctx)
				if err != nil {
					return fmt.Errorf("read dead letters: %w", err)
				}
				fmt.Fprintf(out, "Failed:   %d batches\n", len(dead))
				for _, d := range dead {
					fmt.Fprintf(out, "  %s  %d changes  %s\n", d.FailedAt.Format("2006-01-02 15:04:05"), len(d.Records), d.Cause)
				}
			}
			return nil
		},
	}
}

func bucketSummary(recs []models.ChangeRecord) []string {
	counts := make(map[string]int)
	for _, r := range recs {
		counts[r.Key().String()]++
	}
	lines := make([]string, 0, len(counts))
	for k, n := range counts {
		lines = append(lines, fmt.Sprintf("%-20s %d", k, n))
	}
	sort.Strings(lines)
	return lines
}

func exportCmd(configPath *string) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Load the user's data and write it to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			a.start()

			if err := a.svc.LoadInitialData(cmd.Context()); err != nil {
				return err
			}

			exporter := export.NewExporter(a.cfg.Exports, &a.logger)
			path := outPath
			if path == "" {
				path, err = exporter.Export(a.svc.Snapshot(), a.svc.Status())
			} else {
				err = exporter.WriteFile(path, a.svc.Snapshot(), a.svc.Status())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default: timestamped file in exports.path)")
	return cmd
}

func discardCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Drop every pending change without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			a.start()

			if err := a.svc.Clear(cmd.Context()); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), a.svc.Status())
			return nil
		},
	}
}
