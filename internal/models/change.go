package models

import (
	"fmt"
	"time"
)

// EntityType names the kind of entity a change touches.
type EntityType string

const (
	EntityTask      EntityType = "task"
	EntityGoal      EntityType = "goal"
	EntityCategory  EntityType = "category"
	EntityDashboard EntityType = "dashboard"
)

// EntityTypes lists every entity type in a stable order.
var EntityTypes = []EntityType{EntityTask, EntityGoal, EntityCategory, EntityDashboard}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTask, EntityGoal, EntityCategory, EntityDashboard:
		return true
	}
	return false
}

// Operation is the mutation kind carried by a change.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// RequiresID reports whether the operation must name an existing entity.
func (o Operation) RequiresID() bool {
	return o == OpUpdate || o == OpDelete
}

// ChangeClass groups mutations that share a debounce interval.
type ChangeClass string

const (
	ClassText     ChangeClass = "text"
	ClassStatus   ChangeClass = "status"
	ClassPriority ChangeClass = "priority"
	ClassDrag     ChangeClass = "drag"
	ClassDefault  ChangeClass = "default"
)

// ChangeClasses lists every change class in a stable order.
var ChangeClasses = []ChangeClass{ClassText, ClassStatus, ClassPriority, ClassDrag, ClassDefault}

func (c ChangeClass) Valid() bool {
	switch c {
	case ClassText, ClassStatus, ClassPriority, ClassDrag, ClassDefault:
		return true
	}
	return false
}

// OrDefault maps the empty class to ClassDefault.
func (c ChangeClass) OrDefault() ChangeClass {
	if c == "" {
		return ClassDefault
	}
	return c
}

// ChangeRecord is one user mutation awaiting transmission, or one server delta.
type ChangeRecord struct {
	ID          string      `json:"changeId,omitempty"`
	EntityType  EntityType  `json:"type"`
	Operation   Operation   `json:"operation"`
	EntityID    string      `json:"id,omitempty"`
	Payload     Entity      `json:"data,omitempty"`
	ChangeClass ChangeClass `json:"changeType,omitempty"`
	CreatedAt   time.Time   `json:"timestamp"`
}

// Key returns the bucket key of the record.
func (r ChangeRecord) Key() BucketKey {
	return BucketKey{EntityType: r.EntityType, ChangeClass: r.ChangeClass.OrDefault()}
}

// BucketKey identifies a queue bucket.
type BucketKey struct {
	EntityType  EntityType
	ChangeClass ChangeClass
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s-%s", k.EntityType, k.ChangeClass)
}
