package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresStore keeps server-side items in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, logger *zerolog.Logger) (*PostgresStore, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Msg("Connected to PostgreSQL")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS items (
            user_id TEXT NOT NULL,
            id TEXT NOT NULL,
            type TEXT NOT NULL,
            data JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            deleted BOOLEAN NOT NULL DEFAULT FALSE,
            PRIMARY KEY (user_id, id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_items_user_updated ON items(user_id, updated_at)`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("error executing query %s: %w", q, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanPgItem(row pgx.Row) (*models.StoredItem, error) {
	var (
		item   models.StoredItem
		entity string
		raw    []byte
	)
	if err := row.Scan(&item.UserID, &item.ID, &entity, &raw, &item.UpdatedAt, &item.Deleted); err != nil {
		return nil, err
	}
	item.Type = models.EntityType(entity)
	item.UpdatedAt = item.UpdatedAt.UTC()
	if err := json.Unmarshal(raw, &item.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item %s: %w", item.ID, err)
	}
	return &item, nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, item models.StoredItem) (*models.StoredItem, bool, error) {
	raw, err := json.Marshal(item.Data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal item: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
        INSERT INTO items (user_id, id, type, data, updated_at, deleted)
        VALUES ($1, $2, $3, $4, $5, FALSE)
        ON CONFLICT (user_id, id) DO UPDATE SET
            type = EXCLUDED.type,
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at,
            deleted = FALSE
        WHERE items.deleted`,
		item.UserID, item.ID, string(item.Type), raw, item.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create item: %w", err)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE user_id = $1 AND id = $2`, item.UserID, item.ID)
	stored, err := scanPgItem(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read created item: %w", err)
	}
	return stored, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateItem(ctx context.Context, userID, id string, fields models.Entity, at time.Time) (*models.StoredItem, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
        UPDATE items SET data = data || $3::jsonb, updated_at = $4
        WHERE user_id = $1 AND id = $2 AND NOT deleted
        RETURNING `+itemColumns,
		userID, id, patch, at.UTC(),
	)
	item, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteItem(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET deleted = TRUE, updated_at = $3 WHERE user_id = $1 AND id = $2 AND NOT deleted`,
		userID, id, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ChangesSince(ctx context.Context, userID string, since time.Time) ([]models.StoredItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE user_id = $1 AND updated_at > $2 ORDER BY updated_at ASC, id ASC`,
		userID, since.UTC(),
	)
}

func (s *PostgresStore) ListItems(ctx context.Context, userID string) ([]models.StoredItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE user_id = $1 AND NOT deleted ORDER BY id ASC`,
		userID,
	)
}

func (s *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]models.StoredItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []models.StoredItem
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
