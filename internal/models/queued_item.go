// Package models provides data model definitions for the netpulse outbox.
package models

import (
	"encoding/json"
	"time"
)

// ItemStatus is the delivery state of a queued item.
type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusSyncing ItemStatus = "syncing"
	StatusSynced  ItemStatus = "synced"
	StatusFailed  ItemStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves s.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// PayloadKind selects the schema and the wire shape of a payload.
type PayloadKind string

const (
	KindFeedback PayloadKind = "feedback"
	KindMetrics  PayloadKind = "metrics"
)

// Valid reports whether k is a supported payload kind.
func (k PayloadKind) Valid() bool {
	return k == KindFeedback || k == KindMetrics
}

// QueuedItem is one unit of work awaiting delivery.
// Payload is stored verbatim; retries resend the identical bytes.
type QueuedItem struct {
	ID         string          `json:"id"`
	Kind       PayloadKind     `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	Status     ItemStatus      `json:"status"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// CreatedAtTime returns CreatedAt (unix milliseconds) as time.Time.
func (q *QueuedItem) CreatedAtTime() time.Time {
	return time.UnixMilli(q.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt (unix milliseconds) as time.Time.
func (q *QueuedItem) UpdatedAtTime() time.Time {
	return time.UnixMilli(q.UpdatedAt)
}

// Clone returns a deep copy so callers cannot mutate queue state.
func (q QueuedItem) Clone() QueuedItem {
	out := q
	if q.Payload != nil {
		out.Payload = append(json.RawMessage(nil), q.Payload...)
	}
	return out
}

// IDs returns the ids of items in order.
func IDs(items []QueuedItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
