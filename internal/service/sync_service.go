package service

import (
	"context"
	"fmt"

	"taskflow/internal/models"
	"taskflow/internal/store"
	"taskflow/internal/syncer"

	"github.com/rs/zerolog"
)

// UserDataLoader fetches the user's full state at session start.
type UserDataLoader interface {
	LoadUserData(ctx context.Context) (*models.UserData, error)
}

// SyncService is the entry point for user mutations: it classifies a change,
// applies it to the local store and hands it to the sync engine.
type SyncService struct {
	store  *store.Store
	engine *syncer.Engine
	loader UserDataLoader
	logger zerolog.Logger
}

func NewSyncService(st *store.Store, engine *syncer.Engine, loader UserDataLoader, logger *zerolog.Logger) *SyncService {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "sync-service").Logger()
	}
	return &SyncService{store: st, engine: engine, loader: loader, logger: l}
}

// Run drives the sync engine until ctx is done.
func (s *SyncService) Run(ctx context.Context) {
	s.engine.Start(ctx)
}

// LoadInitialData seeds the local store and the sync cursor from the server.
func (s *SyncService) LoadInitialData(ctx context.Context) error {
	data, err := s.loader.LoadUserData(ctx)
	if err != nil {
		return err
	}
	s.store.Seed(*data)
	if err := s.engine.Seed(ctx, data.LastSyncedAt); err != nil {
		return fmt.Errorf("seed sync cursor: %w", err)
	}
	s.logger.Info().
		Int("tasks", len(data.Tasks)).
		Int("goals", len(data.Goals)).
		Int("categories", len(data.Categories)).
		Time("last_synced_at", data.LastSyncedAt).
		Msg("Initial data loaded")
	return nil
}

// Change applies a user mutation locally and queues it for sync. The
// returned record carries the generated ids.
func (s *SyncService) Change(ctx context.Context, in syncer.ChangeInput) (models.ChangeRecord, error) {
	rec, err := syncer.Classify(in)
	if err != nil {
		return models.ChangeRecord{}, err
	}
	if err := s.store.ApplyLocal(rec); err != nil {
		return models.ChangeRecord{}, fmt.Errorf("apply local change: %w", err)
	}
	if err := s.engine.Enqueue(ctx, rec); err != nil {
		return models.ChangeRecord{}, fmt.Errorf("enqueue change: %w", err)
	}
	s.logger.Debug().
		Str("type", string(rec.EntityType)).
		Str("operation", string(rec.Operation)).
		Str("id", rec.EntityID).
		Str("class", string(rec.ChangeClass)).
		Msg("Change queued")
	return rec, nil
}

// UpdateTaskStatus is the common status toggle.
func (s *SyncService) UpdateTaskStatus(ctx context.Context, id, status string) (models.ChangeRecord, error) {
	return s.Change(ctx, syncer.ChangeInput{
		EntityType:  models.EntityTask,
		Operation:   models.OpUpdate,
		EntityID:    id,
		Payload:     models.Entity{"status": status},
		ChangeClass: models.ClassStatus,
	})
}

// SyncAll flushes all pending changes and waits for them to settle.
func (s *SyncService) SyncAll(ctx context.Context) error {
	err := s.engine.SyncAll(ctx)
	if st := s.engine.Status(); st.LastSynced != nil {
		s.store.MarkSynced(*st.LastSynced)
	}
	return err
}

// Clear discards every pending change without sending it.
func (s *SyncService) Clear(ctx context.Context) error {
	return s.engine.Clear(ctx)
}

func (s *SyncService) Status() models.SyncState {
	return s.engine.Status()
}

// Snapshot returns the local state with the engine's cursor.
func (s *SyncService) Snapshot() models.UserData {
	data := s.store.Snapshot()
	if st := s.engine.Status(); st.LastSynced != nil && st.LastSynced.After(data.LastSyncedAt) {
		data.LastSyncedAt = *st.LastSynced
	}
	return data
}

func (s *SyncService) Store() *store.Store {
	return s.store
}
