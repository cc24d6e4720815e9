package syncer

import (
	"time"

	"taskflow/internal/models"

	"github.com/google/uuid"
)

// ChangeInput describes a user mutation before classification.
type ChangeInput struct {
	EntityType  models.EntityType
	Operation   models.Operation
	EntityID    string
	Payload     models.Entity
	ChangeClass models.ChangeClass
}

// Classify turns a user mutation into a ChangeRecord ready for Enqueue.
// Creates without an id get a client-side UUID; the class defaults to
// ClassDefault.
func Classify(in ChangeInput) (models.ChangeRecord, error) {
	return classifyAt(in, time.Now())
}

func classifyAt(in ChangeInput, now time.Time) (models.ChangeRecord, error) {
	rec := models.ChangeRecord{
		ID:          uuid.NewString(),
		EntityType:  in.EntityType,
		Operation:   in.Operation,
		EntityID:    in.EntityID,
		ChangeClass: in.ChangeClass.OrDefault(),
		CreatedAt:   now.UTC(),
	}
	if in.Operation != models.OpDelete {
		rec.Payload = in.Payload.Clone()
	}
	if rec.Operation == models.OpCreate && rec.EntityID == "" {
		rec.EntityID = uuid.NewString()
	}
	if err := ValidateChange(rec); err != nil {
		return models.ChangeRecord{}, err
	}
	return rec, nil
}

// ValidateChange checks the invariants every queued record must satisfy.
func ValidateChange(rec models.ChangeRecord) error {
	if !rec.EntityType.Valid() {
		return &InvalidChangeError{Field: "type", Reason: "unknown entity type " + string(rec.EntityType)}
	}
	if !rec.Operation.Valid() {
		return &InvalidChangeError{Field: "operation", Reason: "unknown operation " + string(rec.Operation)}
	}
	if !rec.ChangeClass.OrDefault().Valid() {
		return &InvalidChangeError{Field: "changeType", Reason: "unknown change class " + string(rec.ChangeClass)}
	}
	if rec.Operation.RequiresID() && rec.EntityID == "" {
		return &InvalidChangeError{Field: "id", Reason: "is required for " + string(rec.Operation)}
	}
	return nil
}
