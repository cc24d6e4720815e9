package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/models"
)

const itemColumns = `user_id, id, type, data, updated_at, deleted`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.StoredItem, error) {
	var (
		item      models.StoredItem
		entity    string
		raw       string
		updatedAt int64
	)
	if err := row.Scan(&item.UserID, &item.ID, &entity, &raw, &updatedAt, &item.Deleted); err != nil {
		return nil, err
	}
	item.Type = models.EntityType(entity)
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(raw), &item.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item %s: %w", item.ID, err)
	}
	return &item, nil
}

// CreateItem inserts item, reviving a tombstone with the same id. A live item
// with the same id is returned unchanged with created=false.
func (db *DB) CreateItem(ctx context.Context, item models.StoredItem) (*models.StoredItem, bool, error) {
	raw, err := json.Marshal(item.Data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal item: %w", err)
	}

	query := `INSERT INTO items (user_id, id, type, data, updated_at, deleted)
              VALUES (?, ?, ?, ?, ?, 0)
              ON CONFLICT(user_id, id) DO UPDATE SET
                  type = excluded.type,
                  data = excluded.data,
                  updated_at = excluded.updated_at,
                  deleted = 0
              WHERE items.deleted = 1`
	res, err := db.ExecContext(ctx, query, item.UserID, item.ID, string(item.Type), string(raw), item.UpdatedAt.UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("failed to create item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := db.GetItem(ctx, item.UserID, item.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

// GetItem returns an item including tombstones, or nil when absent.
func (db *DB) GetItem(ctx context.Context, userID, id string) (*models.StoredItem, error) {
	row := db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE user_id = ? AND id = ?`, userID, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func (db *DB) UpdateItem(ctx context.Context, userID, id string, fields models.Entity, at time.Time) (*models.StoredItem, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE user_id = ? AND id = ? AND deleted = 0`, userID, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item for update: %w", err)
	}

	if item.Data == nil {
		item.Data = models.Entity{}
	}
	item.Data.Merge(fields)
	item.UpdatedAt = at.UTC()

	raw, err := json.Marshal(item.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET data = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
		string(raw), at.UnixNano(), userID, id,
	); err != nil {
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit item update: %w", err)
	}
	return item, nil
}

// DeleteItem marks the item as deleted so ChangesSince can report it.
func (db *DB) DeleteItem(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE items SET deleted = 1, updated_at = ? WHERE user_id = ? AND id = ? AND deleted = 0`,
		at.UnixNano(), userID, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ChangesSince lists items, tombstones included, modified after since.
func (db *DB) ChangesSince(ctx context.Context, userID string, since time.Time) ([]models.StoredItem, error) {
	return db.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE user_id = ? AND updated_at > ? ORDER BY updated_at ASC, id ASC`,
		userID, unixNanos(since),
	)
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() || t.Before(time.Unix(0, 0)) {
		return 0
	}
	return t.UnixNano()
}

// ListItems lists the live items of a user.
func (db *DB) ListItems(ctx context.Context, userID string) ([]models.StoredItem, error) {
	return db.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE user_id = ? AND deleted = 0 ORDER BY id ASC`,
		userID,
	)
}

func (db *DB) queryItems(ctx context.Context, query string, args ...interface{}) ([]models.StoredItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []models.StoredItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
