package repository

import (
	"context"
	"sync"
	"time"

	"taskflow/internal/models"
)

// MemoryJournal keeps pending changes in process memory. Pending edits are
// lost on restart; use RedisJournal or the SQLite outbox for durability.
type MemoryJournal struct {
	mu      sync.Mutex
	order   []string
	records map[string]models.ChangeRecord
	dead    []DeadLetterEntry

	rateLimits map[string]*rateLimitEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		records:    make(map[string]models.ChangeRecord),
		rateLimits: make(map[string]*rateLimitEntry),
	}
}

func (r *MemoryJournal) AppendChange(ctx context.Context, rec models.ChangeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; !ok {
		r.order = append(r.order, rec.ID)
	}
	r.records[rec.ID] = rec
	return nil
}

func (r *MemoryJournal) AckChanges(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.records, id)
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.records[id]; ok {
			kept = append(kept, id)
		}
	}
	r.order = kept
	return nil
}

func (r *MemoryJournal) PendingChanges(ctx context.Context) ([]models.ChangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChangeRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id])
	}
	return out, nil
}

func (r *MemoryJournal) ClearChanges(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.records = make(map[string]models.ChangeRecord)
	return nil
}

func (r *MemoryJournal) PushDeadLetter(ctx context.Context, records []models.ChangeRecord, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, DeadLetterEntry{
		Records:  append([]models.ChangeRecord(nil), records...),
		Cause:    cause,
		FailedAt: time.Now().UTC(),
	})
	return nil
}

// DeadLetters returns the failed batches, oldest first.
func (r *MemoryJournal) DeadLetters(ctx context.Context) ([]DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeadLetterEntry(nil), r.dead...), nil
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func (r *MemoryJournal) CheckRateLimit(ctx context.Context, userID string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry, ok := r.rateLimits[userID]
	switch {
	case !ok:
		entry = &rateLimitEntry{count: 1, expiresAt: now.Add(window)}
		r.rateLimits[userID] = entry
	case now.After(entry.expiresAt):
		entry.count = 1
		entry.expiresAt = now.Add(window)
	default:
		entry.count++
	}
	return entry.count <= limit, nil
}
