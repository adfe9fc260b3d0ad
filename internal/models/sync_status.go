package models

import "time"

// SyncStatusSnapshot is the aggregate view published to observers.
// Only LastSyncAttempt is persisted; the counts are recomputed from the queue
// on every read and IsCurrentlySyncing lives in memory.
type SyncStatusSnapshot struct {
	LastSyncAttempt    *time.Time `json:"last_sync_attempt,omitempty"`
	TotalPending       int        `json:"total_pending"`
	TotalFailed        int        `json:"total_failed"`
	IsCurrentlySyncing bool       `json:"is_currently_syncing"`
}

// PassResult summarises one sync pass.
type PassResult struct {
	Skipped   bool          `json:"skipped"`
	Manual    bool          `json:"manual"`
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Retrying  int           `json:"retrying"`
	Failed    int           `json:"failed"`
	Chunks    int           `json:"chunks"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SubmitResult is returned to producers by Submit.
// Success is always true when no error is returned.
type SubmitResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Offline bool   `json:"offline"`
}
