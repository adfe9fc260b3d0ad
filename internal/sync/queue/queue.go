// Package queue provides the durable outbox: queued feedback and metrics
// payloads persisted as one JSON document in a key-value store.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/kvstore"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/uuid"
)

const (
	// DefaultKey is the store key holding the serialized queue.
	DefaultKey = "netpulse.outbox.queue"

	// DefaultMaxSize bounds the number of retained items.
	DefaultMaxSize = 5000

	corruptSuffix = ".corrupt"
)

// Outbox is the durable queue. Every mutation is a read-modify-write of the
// whole document under mu; the store offers no multi-key transactions.
type Outbox struct {
	store     kvstore.Store
	key       string
	maxSize   int
	validator *Validator
	now       func() time.Time
	newID     func() string

	mu sync.Mutex
}

// Option configures an Outbox.
type Option func(*Outbox)

func WithKey(key string) Option {
	return func(o *Outbox) {
		if key != "" {
			o.key = key
		}
	}
}

func WithMaxSize(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithClock overrides the timestamp source used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// WithValidator enables schema validation at enqueue time.
func WithValidator(v *Validator) Option {
	return func(o *Outbox) {
		o.validator = v
	}
}

// NewOutbox creates an Outbox over store.
func NewOutbox(store kvstore.Store, opts ...Option) *Outbox {
	o := &Outbox{
		store:   store,
		key:     DefaultKey,
		maxSize: DefaultMaxSize,
		now:     time.Now,
		newID:   uuid.NewItemID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue persists a new pending item. Unlike every other method it fails
// hard: an error here means the payload was not accepted.
func (o *Outbox) Enqueue(ctx context.Context, kind models.PayloadKind, payload json.RawMessage) (models.QueuedItem, error) {
	return o.EnqueueWithID(ctx, o.newID(), kind, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen id, used when the payload
// was already sent once under that id.
func (o *Outbox) EnqueueWithID(ctx context.Context, id string, kind models.PayloadKind, payload json.RawMessage) (models.QueuedItem, error) {
	if id == "" {
		return models.QueuedItem{}, apperrors.New(apperrors.ErrInvalid, "item id is required")
	}
	if !kind.Valid() {
		return models.QueuedItem{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown payload kind %q", kind))
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return models.QueuedItem{}, apperrors.Wrap(apperrors.ErrValidation, "payload is not valid JSON", err)
	}
	if o.validator != nil {
		if err := o.validator.Validate(kind, compact.Bytes()); err != nil {
			return models.QueuedItem{}, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	items, err := o.loadLocked(ctx)
	if err != nil {
		logging.ErrorWithCode("Outbox enqueue failed to read queue", string(apperrors.ErrStorage), err, map[string]interface{}{
			"kind": string(kind),
		})
		return models.QueuedItem{}, apperrors.Wrap(apperrors.ErrStorage, "read outbox", err)
	}

	if len(items) >= o.maxSize {
		logging.Warn("Outbox is full", map[string]interface{}{
			"max_size": o.maxSize,
			"kind":     string(kind),
		})
		return models.QueuedItem{}, apperrors.New(apperrors.ErrStorage, fmt.Sprintf("queue is full (max size: %d)", o.maxSize))
	}

	for _, existing := range items {
		if existing.ID == id {
			return models.QueuedItem{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("item %s already queued", id))
		}
	}

	now := o.now().UnixMilli()
	item := models.QueuedItem{
		ID:         id,
		Kind:       kind,
		Payload:    json.RawMessage(compact.Bytes()),
		RetryCount: 0,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items = append(items, item)

	if err := o.saveLocked(ctx, items); err != nil {
		logging.ErrorWithCode("Outbox enqueue failed to persist", string(apperrors.ErrStorage), err, map[string]interface{}{
			"id":   item.ID,
			"kind": string(kind),
		})
		return models.QueuedItem{}, apperrors.Wrap(apperrors.ErrStorage, "persist outbox", err)
	}

	logging.Debug("Outbox enqueued item", map[string]interface{}{
		"id":   item.ID,
		"kind": string(kind),
		"size": len(items),
	})
	return item.Clone(), nil
}

// List returns the persisted queue in insertion order. An unreadable store
// yields an empty list.
func (o *Outbox) List(ctx context.Context) []models.QueuedItem {
	o.mu.Lock()
	defer o.mu.Unlock()

	items, err := o.loadLocked(ctx)
	if err != nil {
		logging.ErrorWithCode("Outbox list failed", string(apperrors.ErrStorage), err)
		return []models.QueuedItem{}
	}
	return items
}

// Select returns the items whose status is one of statuses.
func (o *Outbox) Select(ctx context.Context, statuses ...models.ItemStatus) []models.QueuedItem {
	all := o.List(ctx)
	out := make([]models.QueuedItem, 0, len(all))
	for _, item := range all {
		for _, s := range statuses {
			if item.Status == s {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// Get returns one item by id.
func (o *Outbox) Get(ctx context.Context, id string) (models.QueuedItem, bool) {
	for _, item := range o.List(ctx) {
		if item.ID == id {
			return item, true
		}
	}
	return models.QueuedItem{}, false
}

// SetStatus updates one item. A missing id is a no-op.
func (o *Outbox) SetStatus(ctx context.Context, id string, status models.ItemStatus) error {
	_, err := o.SetStatuses(ctx, []string{id}, status)
	return err
}

// SetStatuses updates every listed item in a single write and returns how
// many were found.
func (o *Outbox) SetStatuses(ctx context.Context, ids []string, status models.ItemStatus) (int, error) {
	if !status.Valid() {
		return 0, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown status %q", status))
	}
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	updated := 0
	err := o.mutate(ctx, "set status", func(items []models.QueuedItem) ([]models.QueuedItem, bool) {
		now := o.now().UnixMilli()
		for i := range items {
			if _, ok := want[items[i].ID]; !ok {
				continue
			}
			items[i].Status = status
			items[i].UpdatedAt = now
			updated++
		}
		return items, updated > 0
	})
	return updated, err
}

// IncrementRetry bumps retry_count for id, records lastErr, and returns the
// updated item. It returns nil when the item no longer exists.
func (o *Outbox) IncrementRetry(ctx context.Context, id string, lastErr string) (*models.QueuedItem, error) {
	var found *models.QueuedItem
	err := o.mutate(ctx, "increment retry", func(items []models.QueuedItem) ([]models.QueuedItem, bool) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			items[i].RetryCount++
			items[i].LastError = lastErr
			items[i].UpdatedAt = o.now().UnixMilli()
			c := items[i].Clone()
			found = &c
			return items, true
		}
		return items, false
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// RecordFailure charges one failed attempt to id and moves it on in the same
// write: to failed once retry_count reaches maxRetries or when terminal is
// set, to pending otherwise. It returns nil when the item no longer exists.
func (o *Outbox) RecordFailure(ctx context.Context, id, lastErr string, maxRetries int, terminal bool) (*models.QueuedItem, error) {
	var found *models.QueuedItem
	err := o.mutate(ctx, "record failure", func(items []models.QueuedItem) ([]models.QueuedItem, bool) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			items[i].RetryCount++
			items[i].LastError = lastErr
			items[i].UpdatedAt = o.now().UnixMilli()
			if terminal || items[i].RetryCount >= maxRetries {
				items[i].Status = models.StatusFailed
			} else {
				items[i].Status = models.StatusPending
			}
			c := items[i].Clone()
			found = &c
			return items, true
		}
		return items, false
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// RemoveSynced rewrites the queue without its synced items.
func (o *Outbox) RemoveSynced(ctx context.Context) (int, error) {
	removed := 0
	err := o.mutate(ctx, "remove synced", func(items []models.QueuedItem) ([]models.QueuedItem, bool) {
		kept := items[:0]
		for _, item := range items {
			if item.Status == models.StatusSynced {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		return kept, removed > 0
	})
	if removed > 0 && err == nil {
		logging.Debug("Outbox removed synced items", map[string]interface{}{"removed": removed})
	}
	return removed, err
}

// RecoverInterrupted moves items left in syncing by a previous process back
// to pending. retry_count is not touched.
func (o *Outbox) RecoverInterrupted(ctx context.Context) (int, error) {
	recovered := 0
	err := o.mutate(ctx, "recover interrupted", func(items []models.QueuedItem) ([]models.QueuedItem, bool) {
		now := o.now().UnixMilli()
		for i := range items {
			if items[i].Status == models.StatusSyncing {
				items[i].Status = models.StatusPending
				items[i].UpdatedAt = now
				recovered++
			}
		}
		return items, recovered > 0
	})
	if recovered > 0 && err == nil {
		logging.Info("Outbox recovered interrupted items", map[string]interface{}{"recovered": recovered})
	}
	return recovered, err
}

// Counts returns the pending and failed totals. Syncing items count as
// pending since they have not been delivered.
func (o *Outbox) Counts(ctx context.Context) (pending, failed int) {
	for _, item := range o.List(ctx) {
		switch item.Status {
		case models.StatusPending, models.StatusSyncing:
			pending++
		case models.StatusFailed:
			failed++
		}
	}
	return pending, failed
}

// GetStats returns per-status counts.
func (o *Outbox) GetStats(ctx context.Context) map[string]int {
	stats := map[string]int{"total": 0}
	for _, s := range []models.ItemStatus{models.StatusPending, models.StatusSyncing, models.StatusSynced, models.StatusFailed} {
		stats[string(s)] = 0
	}
	for _, item := range o.List(ctx) {
		stats["total"]++
		stats[string(item.Status)]++
	}
	return stats
}

// mutate applies fn to the current queue and persists the result when fn
// reports a change. Storage failures are logged and returned for the caller
// to absorb.
func (o *Outbox) mutate(ctx context.Context, op string, fn func([]models.QueuedItem) ([]models.QueuedItem, bool)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	items, err := o.loadLocked(ctx)
	if err != nil {
		logging.ErrorWithCode("Outbox "+op+" failed to read queue", string(apperrors.ErrStorage), err)
		return apperrors.Wrap(apperrors.ErrStorage, op, err)
	}
	items, changed := fn(items)
	if !changed {
		return nil
	}
	if err := o.saveLocked(ctx, items); err != nil {
		logging.ErrorWithCode("Outbox "+op+" failed to persist", string(apperrors.ErrStorage), err)
		return apperrors.Wrap(apperrors.ErrStorage, op, err)
	}
	return nil
}

// loadLocked reads the queue. A document that does not decode is moved aside
// to a timestamped <key>.corrupt.<ms> key so the queue can keep accepting
// work. If it cannot be moved the read fails and the document stays put.
func (o *Outbox) loadLocked(ctx context.Context) ([]models.QueuedItem, error) {
	raw, ok, err := o.store.Get(ctx, o.key)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []models.QueuedItem{}, nil
	}

	var items []models.QueuedItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		if qerr := o.quarantineLocked(ctx, raw, err); qerr != nil {
			return nil, qerr
		}
		return []models.QueuedItem{}, nil
	}
	if items == nil {
		items = []models.QueuedItem{}
	}
	return items, nil
}

func (o *Outbox) quarantineLocked(ctx context.Context, raw string, cause error) error {
	corruptKey, err := o.corruptKeyLocked(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "quarantine corrupt outbox", err)
	}
	logging.ErrorWithCode("Outbox document is corrupt, moving aside", string(apperrors.ErrStorage), cause, map[string]interface{}{
		"key":         o.key,
		"corrupt_key": corruptKey,
		"bytes":       len(raw),
	})
	if err := o.store.Set(ctx, corruptKey, raw); err != nil {
		logging.Error("Failed to save corrupt outbox document", err)
		return apperrors.Wrap(apperrors.ErrStorage, "quarantine corrupt outbox", err)
	}
	if err := o.store.Remove(ctx, o.key); err != nil {
		logging.Error("Failed to clear corrupt outbox document", err)
	}
	return nil
}

// corruptKeyLocked picks a quarantine key that does not hold an earlier
// document.
func (o *Outbox) corruptKeyLocked(ctx context.Context) (string, error) {
	base := fmt.Sprintf("%s%s.%d", o.key, corruptSuffix, o.now().UnixMilli())
	key := base
	for n := 1; ; n++ {
		_, exists, err := o.store.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
		key = fmt.Sprintf("%s-%d", base, n)
	}
}

func (o *Outbox) saveLocked(ctx context.Context, items []models.QueuedItem) error {
	if items == nil {
		items = []models.QueuedItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, o.key, string(data))
}
