package models

import "time"

// Entity is a loosely typed task, goal, category or dashboard document.
// Field names follow the client wire format (camelCase).
type Entity map[string]any

// Clone returns a shallow copy of e.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Merge overwrites fields of e with fields from patch.
func (e Entity) Merge(patch Entity) {
	for k, v := range patch {
		e[k] = v
	}
}

// String returns a string field or "".
func (e Entity) String(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}

// Task status values.
const (
	TaskNotStarted  = "notStarted"
	TaskWorkingOnIt = "workingOnIt"
	TaskComplete    = "complete"
)

// UserData is the payload of the initial load endpoint.
type UserData struct {
	Tasks        map[string]Entity `json:"tasks"`
	Goals        map[string]Entity `json:"goals"`
	Categories   map[string]Entity `json:"categories"`
	Dashboard    Entity            `json:"dashboard,omitempty"`
	LastSyncedAt time.Time         `json:"lastSyncedAt"`
}

// StoredItem is an entity as persisted by the remote sync service.
type StoredItem struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Type      EntityType `json:"type"`
	Data      Entity     `json:"data"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Deleted   bool       `json:"deleted,omitempty"`
}
