// Package uuid generates the identifiers used by the outbox: uuid v4 item ids
// (stable across retries, used for server-side dedup) and ULID correlation ids
// (one per wire request).
package uuid

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewItemID generates the id for a newly queued item.
func NewItemID() string {
	return uuid.New().String()
}

// ParseItemID parses an item id, rejecting anything that is not a uuid v4.
func ParseItemID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid item id: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected uuid v4 item id, got v%d", id.Version())
	}
	return id, nil
}

// IsItemID reports whether s is a well-formed item id.
func IsItemID(s string) bool {
	_, err := ParseItemID(s)
	return err == nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCorrelationID returns a lexically time-ordered id for tagging one request.
func NewCorrelationID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
