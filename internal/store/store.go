// Package store holds the client-side view of a user's tasks, goals,
// categories and dashboard. Local edits are applied optimistically; server
// deltas are merged after every acknowledged sync.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taskflow/internal/models"

	"github.com/rs/zerolog"
)

// DashboardID keys the single dashboard document when it carries no id.
const DashboardID = "dashboard"

type Store struct {
	mu           sync.RWMutex
	entities     map[models.EntityType]map[string]models.Entity
	lastSyncedAt time.Time
	logger       zerolog.Logger
}

func New(logger *zerolog.Logger) *Store {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "store").Logger()
	}
	s := &Store{logger: l}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.entities = make(map[models.EntityType]map[string]models.Entity, len(models.EntityTypes))
	for _, t := range models.EntityTypes {
		s.entities[t] = make(map[string]models.Entity)
	}
}

// Seed replaces the whole state with the initial load payload. The cursor
// only moves forward, same as MarkSynced.
func (s *Store) Seed(data models.UserData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	for id, e := range data.Tasks {
		s.insert(models.EntityTask, id, e)
	}
	for id, e := range data.Goals {
		s.insert(models.EntityGoal, id, e)
	}
	for id, e := range data.Categories {
		s.insert(models.EntityCategory, id, e)
	}
	if data.Dashboard != nil {
		id := data.Dashboard.String("id")
		if id == "" {
			id = DashboardID
		}
		s.insert(models.EntityDashboard, id, data.Dashboard)
	}
	if data.LastSyncedAt.After(s.lastSyncedAt) {
		s.lastSyncedAt = data.LastSyncedAt
	}
}

// Snapshot returns a deep-enough copy of the state in initial-load shape.
func (s *Store) Snapshot() models.UserData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := models.UserData{
		Tasks:        cloneAll(s.entities[models.EntityTask]),
		Goals:        cloneAll(s.entities[models.EntityGoal]),
		Categories:   cloneAll(s.entities[models.EntityCategory]),
		LastSyncedAt: s.lastSyncedAt,
	}
	for _, e := range s.entities[models.EntityDashboard] {
		out.Dashboard = e.Clone()
		break
	}
	return out
}

func (s *Store) Get(t models.EntityType, id string) (models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[t][id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Set stores e under id, replacing any previous value.
func (s *Store) Set(t models.EntityType, id string, e models.Entity) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(t, id, e)
	return nil
}

// Patch shallow-merges fields into an existing entity. It reports false when
// the entity is absent.
func (s *Store) Patch(t models.EntityType, id string, fields models.Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patch(t, id, fields)
}

func (s *Store) Delete(t models.EntityType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[t][id]; !ok {
		return false
	}
	delete(s.entities[t], id)
	return true
}

// List returns the entities of one type ordered by id.
func (s *Store) List(t models.EntityType) []models.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entities[t]))
	for id := range s.entities[t] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entities[t][id].Clone())
	}
	return out
}

func (s *Store) Count(t models.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities[t])
}

func (s *Store) LastSyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncedAt
}

// MarkSynced advances the last synced timestamp. Older values are ignored.
func (s *Store) MarkSynced(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastSyncedAt) {
		s.lastSyncedAt = at
	}
}

// ApplyLocal applies a user change immediately, before it is synced.
func (s *Store) ApplyLocal(rec models.ChangeRecord) error {
	if !rec.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", rec.EntityType)
	}
	id := s.entityID(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch rec.Operation {
	case models.OpCreate:
		s.insert(rec.EntityType, id, rec.Payload)
	case models.OpUpdate:
		if !s.patch(rec.EntityType, id, rec.Payload) {
			s.insert(rec.EntityType, id, rec.Payload)
		}
	case models.OpDelete:
		delete(s.entities[rec.EntityType], id)
	default:
		return fmt.Errorf("unknown operation %q", rec.Operation)
	}
	return nil
}

// ApplyServerDeltas merges deltas in order. Creates are idempotent, updates
// to absent entities and deletes of absent entities are ignored. Fields
// present in a delta overwrite local values.
func (s *Store) ApplyServerDeltas(deltas []models.ChangeRecord) models.DeltaResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res models.DeltaResult
	for _, d := range deltas {
		if !d.EntityType.Valid() {
			s.logger.Warn().Str("type", string(d.EntityType)).Msg("Ignoring delta with unknown entity type")
			res.Ignored++
			continue
		}
		id := s.entityID(d)

		switch d.Operation {
		case models.OpCreate:
			if _, exists := s.entities[d.EntityType][id]; exists {
				res.Ignored++
				continue
			}
			s.insert(d.EntityType, id, d.Payload)
			res.Applied++
		case models.OpUpdate:
			if !s.patch(d.EntityType, id, d.Payload) {
				s.logger.Debug().Str("type", string(d.EntityType)).Str("id", id).Msg("Update delta for absent entity ignored")
				res.Ignored++
				continue
			}
			res.Applied++
		case models.OpDelete:
			if _, exists := s.entities[d.EntityType][id]; !exists {
				res.Ignored++
				continue
			}
			delete(s.entities[d.EntityType], id)
			res.Applied++
		default:
			s.logger.Warn().Str("operation", string(d.Operation)).Msg("Ignoring delta with unknown operation")
			res.Ignored++
		}
	}
	return res
}

func (s *Store) entityID(rec models.ChangeRecord) string {
	if rec.EntityID == "" && rec.EntityType == models.EntityDashboard {
		return DashboardID
	}
	return rec.EntityID
}

func (s *Store) insert(t models.EntityType, id string, e models.Entity) {
	v := e.Clone()
	if v == nil {
		v = models.Entity{}
	}
	if _, ok := v["id"]; !ok {
		v["id"] = id
	}
	s.entities[t][id] = v
}

func (s *Store) patch(t models.EntityType, id string, fields models.Entity) bool {
	e, ok := s.entities[t][id]
	if !ok {
		return false
	}
	e.Merge(fields)
	return true
}

func cloneAll(in map[string]models.Entity) map[string]models.Entity {
	out := make(map[string]models.Entity, len(in))
	for id, e := range in {
		out[id] = e.Clone()
	}
	return out
}
