package repository

import (
	"context"
	"sync/atomic"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/models"

	"github.com/rs/zerolog"
)

const recoverAfter = time.Minute

// Backend is everything the sync engine and server persist through a journal.
type Backend interface {
	domain.Journal
	domain.DeadLetter
	domain.RateLimiter
}

// FailoverJournal writes to the primary backend and falls back to memory
// when it fails, probing the primary again after a minute.
type FailoverJournal struct {
	primary   Backend
	fallback  Backend
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverJournal(primary, fallback Backend, logger *zerolog.Logger) *FailoverJournal {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverJournal{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverJournal) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoverAfter
}

func (r *FailoverJournal) call(op string, fn func(Backend) error) error {
	if r.usePrimary() {
		err := fn(r.primary)
		if err == nil {
			if r.isDown.Swap(false) {
				r.logger.Info().Str("op", op).Msg("Primary journal recovered")
			}
			return nil
		}
		r.logger.Error().Err(err).Str("op", op).Msg("Primary journal failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck.Store(r.now().UnixNano())
	}
	return fn(r.fallback)
}

func (r *FailoverJournal) AppendChange(ctx context.Context, rec models.ChangeRecord) error {
	return r.call("append", func(b Backend) error { return b.AppendChange(ctx, rec) })
}

func (r *FailoverJournal) AckChanges(ctx context.Context, ids []string) error {
	return r.call("ack", func(b Backend) error { return b.AckChanges(ctx, ids) })
}

func (r *FailoverJournal) PendingChanges(ctx context.Context) ([]models.ChangeRecord, error) {
	var out []models.ChangeRecord
	err := r.call("pending", func(b Backend) error {
		recs, err := b.PendingChanges(ctx)
		out = recs
		return err
	})
	return out, err
}

func (r *FailoverJournal) ClearChanges(ctx context.Context) error {
	// Both sides are cleared so nothing written during an outage resurfaces.
	fbErr := r.fallback.ClearChanges(ctx)
	if err := r.call("clear", func(b Backend) error {
		if b == r.fallback {
			return fbErr
		}
		return b.ClearChanges(ctx)
	}); err != nil {
		return err
	}
	return nil
}

func (r *FailoverJournal) PushDeadLetter(ctx context.Context, records []models.ChangeRecord, cause string) error {
	return r.call("dead_letter", func(b Backend) error { return b.PushDeadLetter(ctx, records, cause) })
}

func (r *FailoverJournal) CheckRateLimit(ctx context.Context, userID string, limit int, window time.Duration) (bool, error) {
	var allowed bool
	err := r.call("rate_limit", func(b Backend) error {
		ok, err := b.CheckRateLimit(ctx, userID, limit, window)
		allowed = ok
		return err
	})
	return allowed, err
}
