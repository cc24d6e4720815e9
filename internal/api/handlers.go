package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"taskflow/internal/events"
	"taskflow/internal/metrics"
	"taskflow/internal/models"

	"github.com/google/uuid"
)

const maxSyncBody = 5 << 20

type validationError struct {
	index  int
	reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("change %d: %s", e.index, e.reason)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSyncBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, models.CodeInvalidRequest, "invalid JSON body")
		return
	}

	userID := userIDFrom(r.Context())
	changes, err := s.processSync(r.Context(), userID, req)
	if err != nil {
		var verr *validationError
		if errors.As(err, &verr) {
			writeError(w, r, http.StatusBadRequest, models.CodeValidation, verr.Error())
			return
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("Sync failed")
		writeError(w, r, http.StatusInternalServerError, models.CodeInternal, "failed to process changes")
		return
	}

	writeData(w, r, &models.SyncResponseData{
		ServerChanges: changes,
		SyncedAt:      s.now(),
	})
}

// processSync applies the client's changes and returns every change the
// client has not seen yet: the effect of its own writes first, then other
// writes newer than clientLastSync.
func (s *HTTPServer) processSync(ctx context.Context, userID string, req models.SyncRequest) ([]models.ChangeRecord, error) {
	for i, ch := range req.Changes {
		if err := validateChange(ch); err != nil {
			return nil, &validationError{index: i, reason: err.Error()}
		}
	}

	out := make([]models.ChangeRecord, 0, len(req.Changes))
	reported := make(map[string]bool, len(req.Changes))

	for _, ch := range req.Changes {
		now := s.now()
		var (
			item *models.StoredItem
			err  error
		)

		switch ch.Operation {
		case models.OpCreate:
			id := ch.EntityID
			if id == "" {
				id = uuid.NewString()
			}
			data := ch.Payload.Clone()
			data["id"] = id
			var created bool
			item, created, err = s.items.CreateItem(ctx, models.StoredItem{
				ID:        id,
				UserID:    userID,
				Type:      ch.EntityType,
				Data:      data,
				UpdatedAt: now,
			})
			if !created {
				item = nil
			}
		case models.OpUpdate:
			item, err = s.items.UpdateItem(ctx, userID, ch.EntityID, ch.Payload, now)
		case models.OpDelete:
			var ok bool
			ok, err = s.items.DeleteItem(ctx, userID, ch.EntityID, now)
			if ok {
				item = &models.StoredItem{ID: ch.EntityID, UserID: userID, Type: ch.EntityType, UpdatedAt: now, Deleted: true}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s %s: %w", ch.Operation, ch.EntityType, ch.EntityID, err)
		}
		if item == nil {
			continue
		}

		rec := serverChange(*item, ch.Operation)
		out = append(out, rec)
		reported[item.ID] = true
		s.recordChange(userID, rec)
	}

	newer, err := s.items.ChangesSince(ctx, userID, req.ClientLastSync)
	if err != nil {
		return nil, fmt.Errorf("changes since: %w", err)
	}
	for _, item := range newer {
		if reported[item.ID] {
			continue
		}
		op := models.OpUpdate
		if item.Deleted {
			op = models.OpDelete
		}
		out = append(out, serverChange(item, op))
	}
	return out, nil
}

func validateChange(ch models.ChangeRecord) error {
	switch {
	case !ch.EntityType.Valid():
		return fmt.Errorf("unknown type %q", ch.EntityType)
	case !ch.Operation.Valid():
		return fmt.Errorf("unknown operation %q", ch.Operation)
	case ch.Operation == models.OpCreate && len(ch.Payload) == 0:
		return errors.New("data is required for create operation")
	case ch.Operation.RequiresID() && ch.EntityID == "":
		return fmt.Errorf("id is required for %s operation", ch.Operation)
	}
	return nil
}

func serverChange(item models.StoredItem, op models.Operation) models.ChangeRecord {
	rec := models.ChangeRecord{
		EntityType: item.Type,
		Operation:  op,
		EntityID:   item.ID,
		CreatedAt:  item.UpdatedAt,
	}
	if op != models.OpDelete {
		rec.Payload = item.Data.Clone()
	}
	return rec
}

func (s *HTTPServer) recordChange(userID string, rec models.ChangeRecord) {
	metrics.IncServerChange(string(rec.EntityType), string(rec.Operation))
	if s.events == nil {
		return
	}
	if err := s.events.PublishJSON(events.EventItemChanged, events.ItemEventPayload{
		UserID:    userID,
		ItemID:    rec.EntityID,
		Type:      string(rec.EntityType),
		Operation: string(rec.Operation),
	}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to publish item event")
	}
}

func (s *HTTPServer) handleUserData(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	items, err := s.items.ListItems(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list items")
		writeError(w, r, http.StatusInternalServerError, models.CodeInternal, "failed to load user data")
		return
	}

	data := models.UserData{
		Tasks:        map[string]models.Entity{},
		Goals:        map[string]models.Entity{},
		Categories:   map[string]models.Entity{},
		LastSyncedAt: s.now(),
	}
	for _, item := range items {
		entity := item.Data.Clone()
		if entity == nil {
			entity = models.Entity{}
		}
		entity["id"] = item.ID
		switch item.Type {
		case models.EntityTask:
			data.Tasks[item.ID] = entity
		case models.EntityGoal:
			data.Goals[item.ID] = entity
		case models.EntityCategory:
			data.Categories[item.ID] = entity
		case models.EntityDashboard:
			data.Dashboard = entity
		}
	}
	writeData(w, r, &data)
}
