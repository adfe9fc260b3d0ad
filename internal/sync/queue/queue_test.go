package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/kvstore"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
)

const feedbackJSON = `{"rating": 4, "category": "coverage", "captured_at": 1700000000000}`

// flakyStore wraps a store and fails reads or writes on demand.
type flakyStore struct {
	kvstore.Store
	mu       sync.Mutex
	failGet  bool
	failSet  bool
	setCalls int
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return "", false, errors.New("disk unavailable")
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.setCalls++
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

func newTestOutbox(t *testing.T, opts ...Option) (*Outbox, *flakyStore) {
	t.Helper()
	store := &flakyStore{Store: kvstore.NewMemoryStore()}
	clock := time.UnixMilli(1_700_000_000_000)
	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return NewOutbox(store, opts...), store
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)

	item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, int64(1_700_000_000_000), item.CreatedAt)
	assert.JSONEq(t, feedbackJSON, string(item.Payload))

	items := o.List(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}

func TestEnqueue_uniqueIDs(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
		require.NoError(t, err)
		assert.False(t, seen[item.ID], "duplicate id %s", item.ID)
		seen[item.ID] = true
	}
	assert.Len(t, o.List(ctx), 20)
}

func TestEnqueueWithID(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)

	item, err := o.EnqueueWithID(ctx, "9a1f0c1e-7c55-4a4e-9d39-3f3f6f1b2c10", models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)
	assert.Equal(t, "9a1f0c1e-7c55-4a4e-9d39-3f3f6f1b2c10", item.ID)

	_, err = o.EnqueueWithID(ctx, item.ID, models.KindFeedback, json.RawMessage(feedbackJSON))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "duplicate ids are rejected")

	_, err = o.EnqueueWithID(ctx, "", models.KindFeedback, json.RawMessage(feedbackJSON))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Len(t, o.List(ctx), 1)
}

func TestEnqueue_storageFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	store.failSet = true

	_, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
}

func TestEnqueue_readFailureDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	_, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)

	store.failGet = true
	before := store.setCalls
	_, err = o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	assert.Equal(t, before, store.setCalls)

	store.failGet = false
	assert.Len(t, o.List(ctx), 1)
}

func TestEnqueue_full(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t, WithMaxSize(2))

	for i := 0; i < 2; i++ {
		_, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
		require.NoError(t, err)
	}
	_, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	assert.Contains(t, err.Error(), "queue is full")
}

func TestEnqueue_rejectsBadInput(t *testing.T) {
	ctx := context.Background()
	v, err := NewValidator()
	require.NoError(t, err)
	o, _ := newTestOutbox(t, WithValidator(v))

	_, err = o.Enqueue(ctx, models.PayloadKind("photo"), json.RawMessage(`{}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = o.Enqueue(ctx, models.KindFeedback, json.RawMessage(`{not json`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = o.Enqueue(ctx, models.KindFeedback, json.RawMessage(`{"rating": 9, "captured_at": 1}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	assert.Empty(t, o.List(ctx), "rejected payloads must not be persisted")
}

func TestList_unreadableStoreIsEmpty(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	_, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)

	store.failGet = true
	items := o.List(ctx)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestList_corruptDocumentIsQuarantined(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	require.NoError(t, store.Set(ctx, DefaultKey, `[{"id":`))

	assert.Empty(t, o.List(ctx))

	moved, ok, err := store.Get(ctx, DefaultKey+corruptSuffix+".1700000000000")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":`, moved)

	_, err = o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)
	assert.Len(t, o.List(ctx), 1)
}

func TestList_repeatedCorruptionKeepsEveryDocument(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)

	require.NoError(t, store.Set(ctx, DefaultKey, `first`))
	assert.Empty(t, o.List(ctx))
	require.NoError(t, store.Set(ctx, DefaultKey, `second`))
	assert.Empty(t, o.List(ctx))

	first, ok, err := store.Get(ctx, DefaultKey+corruptSuffix+".1700000000000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `first`, first)

	second, ok, err := store.Get(ctx, DefaultKey+corruptSuffix+".1700000000000-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `second`, second)
}

func TestEnqueue_failedQuarantineKeepsCorruptDocument(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	require.NoError(t, store.Set(ctx, DefaultKey, `[{"id":`))

	store.failSet = true
	_, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))

	store.failSet = false
	raw, ok, err := store.Get(ctx, DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"id":`, raw)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)
	item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)

	require.NoError(t, o.SetStatus(ctx, item.ID, models.StatusSyncing))
	got, ok := o.Get(ctx, item.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSyncing, got.Status)

	// Missing ids are ignored.
	require.NoError(t, o.SetStatus(ctx, "gone", models.StatusSynced))
	assert.Len(t, o.List(ctx), 1)

	assert.Error(t, o.SetStatus(ctx, item.ID, models.ItemStatus("lost")))
}

func TestSetStatuses(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	var ids []string
	for i := 0; i < 3; i++ {
		item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	before := store.setCalls
	n, err := o.SetStatuses(ctx, append(ids[:2:2], "missing"), models.StatusSyncing)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, before+1, store.setCalls, "batch update is a single write")

	stats := o.GetStats(ctx)
	assert.Equal(t, 2, stats["syncing"])
	assert.Equal(t, 1, stats["pending"])
	assert.Equal(t, 3, stats["total"])
}

func TestIncrementRetry(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)
	item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		updated, err := o.IncrementRetry(ctx, item.ID, "503 Service Unavailable")
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, want, updated.RetryCount)
		assert.Equal(t, "503 Service Unavailable", updated.LastError)
	}

	missing, err := o.IncrementRetry(ctx, "nope", "x")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)
	require.NoError(t, o.SetStatus(ctx, item.ID, models.StatusSyncing))

	for attempt := 1; attempt <= 3; attempt++ {
		before := store.setCalls
		updated, err := o.RecordFailure(ctx, item.ID, "503", 3, false)
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, before+1, store.setCalls, "retry and status land in one write")
		assert.Equal(t, attempt, updated.RetryCount)
		assert.Equal(t, "503", updated.LastError)
		if attempt < 3 {
			assert.Equal(t, models.StatusPending, updated.Status)
		} else {
			assert.Equal(t, models.StatusFailed, updated.Status)
		}
	}

	missing, err := o.RecordFailure(ctx, "nope", "x", 3, false)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordFailure_terminal(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)
	item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)

	updated, err := o.RecordFailure(ctx, item.ID, "422", 3, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
}

func TestRecordFailure_writeFailureLeavesItemUnchanged(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t)
	item, err := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)
	require.NoError(t, o.SetStatus(ctx, item.ID, models.StatusSyncing))

	store.failSet = true
	_, err = o.RecordFailure(ctx, item.ID, "503", 3, false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))

	store.failSet = false
	got, ok := o.Get(ctx, item.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSyncing, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestRemoveSynced(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)
	a, _ := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	b, _ := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	c, _ := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))

	require.NoError(t, o.SetStatus(ctx, a.ID, models.StatusSynced))
	require.NoError(t, o.SetStatus(ctx, c.ID, models.StatusFailed))

	removed, err := o.RemoveSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	items := o.List(ctx)
	require.Len(t, items, 2)
	assert.Equal(t, []string{b.ID, c.ID}, models.IDs(items))
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)
	a, _ := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	b, _ := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	_, err := o.IncrementRetry(ctx, a.ID, "timeout")
	require.NoError(t, err)
	_, err = o.SetStatuses(ctx, []string{a.ID, b.ID}, models.StatusSyncing)
	require.NoError(t, err)

	n, err := o.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := o.Get(ctx, a.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestCountsAndSelect(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOutbox(t)
	a, _ := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	b, _ := o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	_, _ = o.Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, o.SetStatus(ctx, a.ID, models.StatusFailed))
	require.NoError(t, o.SetStatus(ctx, b.ID, models.StatusSynced))

	pending, failed := o.Counts(ctx)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, failed)

	assert.Len(t, o.Select(ctx, models.StatusPending), 1)
	assert.Len(t, o.Select(ctx, models.StatusPending, models.StatusFailed), 2)
}

func TestOutbox_survivesReopen(t *testing.T) {
	ctx := context.Background()
	store, err := kvstore.NewFileStore(t.TempDir() + "/outbox.json")
	require.NoError(t, err)

	item, err := NewOutbox(store).Enqueue(ctx, models.KindFeedback, json.RawMessage(feedbackJSON))
	require.NoError(t, err)

	items := NewOutbox(store).List(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, models.StatusPending, items[0].Status)
}
