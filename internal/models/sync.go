package models

import "time"

// SyncStatus is the health of the sync cursor.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncState is the read-only observability view of the sync cursor.
type SyncState struct {
	SyncStatus     SyncStatus `json:"syncStatus"`
	LastSynced     *time.Time `json:"lastSynced"`
	PendingChanges int        `json:"pendingChanges"`
	LastError      string     `json:"lastError,omitempty"`
}

// DeltaResult counts how server deltas were merged into local state.
type DeltaResult struct {
	Applied int
	Ignored int
}
