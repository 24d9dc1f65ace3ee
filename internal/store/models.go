package store

import "time"

// Edit is one user's persisted version of a sheet row, keyed by
// (UserID, OriginalRowIndex). Repeated saves overwrite in place.
type Edit struct {
	ID               string
	UserID           string
	UserEmail        string
	OriginalRowIndex int
	RowData          []string
	UpdatedAt        time.Time
}

// MirrorRow is the relational copy of one data row of the external sheet,
// wholesale-replaced on every successful sync.
type MirrorRow struct {
	RowIndex int
	RowData  map[string]string
	SyncedAt time.Time
}

// SyncLog is one audit entry per synchronization attempt, success or
// failure. Append-only.
type SyncLog struct {
	ID           string
	SyncType     string
	RowsSynced   int
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
}

const (
	SyncTypeManual    = "manual"
	SyncTypeScheduled = "scheduled"

	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)
