// Package services tests for the producer-facing outbox API.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/connectivity"
	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/kvstore"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/batch"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/queue"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/scheduler"
)

// =====================================================
// Test Helpers
// =====================================================

type recordingTransport struct {
	mu       sync.Mutex
	feedback []models.QueuedItem
	metrics  [][]models.QueuedItem
	fail     error
}

func (r *recordingTransport) SendFeedback(_ context.Context, item models.QueuedItem, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, item)
	return r.fail
}

func (r *recordingTransport) SendMetrics(_ context.Context, items []models.QueuedItem, _ *batch.Info, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, items)
	return r.fail
}

func (r *recordingTransport) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recordingTransport) feedbackIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.IDs(r.feedback)
}

const validFeedback = `{"rating": 4, "captured_at": 1700000000000, "comment": "slow indoors"}`

func newService(t *testing.T, online bool) (*OutboxService, *recordingTransport, *connectivity.Manual, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	transport := &recordingTransport{}
	monitor := connectivity.NewManual(online)
	config := DefaultOutboxConfig()
	config.Scheduler = &scheduler.SchedulerConfig{}
	svc, err := NewOutboxService(store, transport, monitor, config)
	require.NoError(t, err)
	return svc, transport, monitor, store
}

// =====================================================
// Construction
// =====================================================

func TestDefaultOutboxConfig(t *testing.T) {
	config := DefaultOutboxConfig()
	assert.Equal(t, 3, config.Engine.MaxRetries)
	assert.Equal(t, queue.DefaultMaxSize, config.MaxQueueSize)
	assert.Equal(t, 15*time.Minute, config.Scheduler.PeriodicInterval)
}

func TestNewOutboxService_requiresCollaborators(t *testing.T) {
	_, err := NewOutboxService(nil, &recordingTransport{}, connectivity.NewManual(true), nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// =====================================================
// Submit
// =====================================================

func TestSubmit_offlineQueues(t *testing.T) {
	svc, transport, _, _ := newService(t, false)
	ctx := context.Background()

	var snapshots []models.SyncStatusSnapshot
	svc.AddListener(func(s models.SyncStatusSnapshot) { snapshots = append(snapshots, s) })

	result, err := svc.Submit(ctx, models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Offline)
	assert.NotEmpty(t, result.ID)

	assert.Empty(t, transport.feedbackIDs())
	status := svc.GetStatus(ctx)
	assert.Equal(t, 1, status.TotalPending)

	items := svc.Items(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, result.ID, items[0].ID)
	assert.Equal(t, models.StatusPending, items[0].Status)
	assert.Equal(t, 0, items[0].RetryCount)

	require.NotEmpty(t, snapshots)
	assert.Equal(t, 1, snapshots[len(snapshots)-1].TotalPending)
}

func TestSubmit_onlineDeliversImmediately(t *testing.T) {
	svc, transport, _, _ := newService(t, true)
	ctx := context.Background()

	result, err := svc.Submit(ctx, models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Offline)
	assert.Equal(t, []string{result.ID}, transport.feedbackIDs())
	assert.Empty(t, svc.Items(ctx))
}

func TestSubmit_onlineMetricsUsesBatchEndpoint(t *testing.T) {
	svc, transport, _, _ := newService(t, true)

	payload := `{"window_start": 1, "window_end": 2, "samples": [{"ts": 1, "signal_dbm": -80}]}`
	result, err := svc.Submit(context.Background(), models.KindMetrics, json.RawMessage(payload))
	require.NoError(t, err)
	assert.False(t, result.Offline)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.metrics, 1)
	assert.Equal(t, result.ID, transport.metrics[0][0].ID)
}

func TestSubmit_failedSendQueuesWithSameID(t *testing.T) {
	svc, transport, _, _ := newService(t, true)
	ctx := context.Background()
	transport.setFail(apperrors.New(apperrors.ErrTransport, "server unavailable"))

	result, err := svc.Submit(ctx, models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Offline)

	items := svc.Items(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, result.ID, items[0].ID)
	assert.Equal(t, models.StatusPending, items[0].Status)
	assert.Equal(t, 0, items[0].RetryCount)

	transport.setFail(nil)
	pass, err := svc.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Synced)
	assert.Equal(t, []string{result.ID, result.ID}, transport.feedbackIDs())
	assert.Empty(t, svc.Items(ctx))
}

func TestSubmit_rejectsInvalidPayload(t *testing.T) {
	svc, transport, _, _ := newService(t, true)

	_, err := svc.Submit(context.Background(), models.KindFeedback, json.RawMessage(`{"rating": 9}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Empty(t, transport.feedbackIDs())

	_, err = svc.Submit(context.Background(), models.PayloadKind("unknown"), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestSubmit_queueFull(t *testing.T) {
	store := kvstore.NewMemoryStore()
	config := DefaultOutboxConfig()
	config.MaxQueueSize = 1
	svc, err := NewOutboxService(store, &recordingTransport{}, connectivity.NewManual(false), config)
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), models.KindFeedback, json.RawMessage(validFeedback))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
}

// =====================================================
// ForceSync and lifecycle
// =====================================================

func TestForceSync_offline(t *testing.T) {
	svc, _, _, _ := newService(t, false)

	_, err := svc.ForceSync(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoConnectivity))
}

func TestStart_recoversInterruptedItems(t *testing.T) {
	svc, _, _, store := newService(t, false)
	ctx := context.Background()

	outbox := queue.NewOutbox(store)
	item, err := outbox.Enqueue(ctx, models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)
	require.NoError(t, outbox.SetStatus(ctx, item.ID, models.StatusSyncing))

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	got, ok := outbox.Get(ctx, item.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.True(t, svc.SchedulerStatus().IsRunning)
}

func TestStart_connectivityDrainsQueue(t *testing.T) {
	svc, transport, monitor, _ := newService(t, false)
	ctx := context.Background()

	_, err := svc.Submit(ctx, models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	monitor.Set(true)
	require.Eventually(t, func() bool {
		return len(svc.Items(ctx)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, transport.feedbackIDs(), 1)
}

func TestListeners(t *testing.T) {
	svc, _, _, _ := newService(t, false)

	calls := 0
	id := svc.AddListener(func(models.SyncStatusSnapshot) { calls++ })
	_, err := svc.Submit(context.Background(), models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	assert.True(t, svc.RemoveListener(id))
	_, err = svc.Submit(context.Background(), models.KindFeedback, json.RawMessage(validFeedback))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestClose_closesStore(t *testing.T) {
	svc, _, _, store := newService(t, false)
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.Close())
	_, _, err := store.Get(context.Background(), "anything")
	assert.True(t, errors.Is(err, kvstore.ErrClosed))
}
