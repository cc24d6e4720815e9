package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskflow/internal/models"
	"taskflow/internal/repository"
)

// AppendChange stores rec at the end of the outbox. Re-appending an id
// replaces the record in place.
func (db *DB) AppendChange(ctx context.Context, rec models.ChangeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	query := `INSERT INTO outbox (change_id, entity_type, change_class, payload, created_at)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(change_id) DO UPDATE SET payload = excluded.payload`
	_, err = db.ExecContext(ctx, query,
		rec.ID,
		string(rec.EntityType),
		string(rec.ChangeClass.OrDefault()),
		string(payload),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	return nil
}

func (db *DB) AckChanges(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `DELETE FROM outbox WHERE change_id IN (` + placeholders + `)`
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to ack changes: %w", err)
	}
	return nil
}

func (db *DB) PendingChanges(ctx context.Context) ([]models.ChangeRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT payload FROM outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending changes: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		var rec models.ChangeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *DB) ClearChanges(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}

// CountPending returns the number of outbox rows per bucket key.
func (db *DB) CountPending(ctx context.Context) (map[models.BucketKey]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT entity_type, change_class, COUNT(*) FROM outbox GROUP BY entity_type, change_class`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending changes: %w", err)
	}
	defer rows.Close()

	out := make(map[models.BucketKey]int)
	for rows.Next() {
		var entityType, class string
		var n int
		if err := rows.Scan(&entityType, &class, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[models.BucketKey{EntityType: models.EntityType(entityType), ChangeClass: models.ChangeClass(class)}] = n
	}
	return out, rows.Err()
}

func (db *DB) PushDeadLetter(ctx context.Context, records []models.ChangeRecord, cause string) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO dead_letters (records, cause, failed_at) VALUES (?, ?, ?)`,
		string(raw), cause, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (db *DB) DeadLetters(ctx context.Context) ([]repository.DeadLetterEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT records, cause, failed_at FROM dead_letters ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letters: %w", err)
	}
	defer rows.Close()

	var out []repository.DeadLetterEntry
	for rows.Next() {
		var raw, cause string
		var failedAt int64
		if err := rows.Scan(&raw, &cause, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		entry := repository.DeadLetterEntry{Cause: cause, FailedAt: time.Unix(0, failedAt).UTC()}
		if err := json.Unmarshal([]byte(raw), &entry.Records); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
