package domain

import (
	"context"
	"time"

	"taskflow/internal/models"
)

// Journal durably records change records between enqueue and acknowledgement
// so pending edits survive a restart.
type Journal interface {
	AppendChange(ctx context.Context, rec models.ChangeRecord) error
	AckChanges(ctx context.Context, ids []string) error
	PendingChanges(ctx context.Context) ([]models.ChangeRecord, error)
	ClearChanges(ctx context.Context) error
}

// DeadLetter receives batches the reconciler gave up on, for inspection.
type DeadLetter interface {
	PushDeadLetter(ctx context.Context, records []models.ChangeRecord, cause string) error
}

// ItemStore persists entities on the remote sync service.
type ItemStore interface {
	// CreateItem inserts item. created is false when the id already exists.
	CreateItem(ctx context.Context, item models.StoredItem) (stored *models.StoredItem, created bool, err error)
	// UpdateItem shallow-merges fields into an existing item; nil when absent.
	UpdateItem(ctx context.Context, userID, id string, fields models.Entity, at time.Time) (*models.StoredItem, error)
	// DeleteItem tombstones an item; false when absent.
	DeleteItem(ctx context.Context, userID, id string, at time.Time) (bool, error)
	ChangesSince(ctx context.Context, userID string, since time.Time) ([]models.StoredItem, error)
	ListItems(ctx context.Context, userID string) ([]models.StoredItem, error)
}

// RateLimiter counts requests per user in a fixed window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, userID string, limit int, window time.Duration) (bool, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
