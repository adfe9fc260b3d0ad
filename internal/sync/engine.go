package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/kvstore"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/batch"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/broadcast"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/queue"
)

// LastSyncAttemptKey is the store key holding the start time of the most
// recent pass.
const LastSyncAttemptKey = "netpulse.outbox.last_sync_attempt"

const (
	DefaultMaxRetries     = 3
	DefaultMaxConcurrency = 4
	DefaultRequestTimeout = 25 * time.Second
)

// EngineConfig holds engine tuning.
type EngineConfig struct {
	MaxRetries     int
	MaxConcurrency int
	RequestTimeout time.Duration
	ChunkSize      int
	ChunkTimeout   time.Duration
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:     DefaultMaxRetries,
		MaxConcurrency: DefaultMaxConcurrency,
		RequestTimeout: DefaultRequestTimeout,
		ChunkSize:      batch.DefaultChunkSize,
		ChunkTimeout:   batch.DefaultChunkTimeout,
	}
}

// SyncEngine runs sync passes over the outbox. At most one pass executes at
// a time; a trigger that arrives while a pass runs is dropped.
type SyncEngine struct {
	outbox      *queue.Outbox
	store       kvstore.Store
	transport   Transport
	broadcaster *broadcast.Broadcaster
	splitter    *batch.Splitter
	config      EngineConfig
	now         func() time.Time

	inFlight atomic.Bool

	mu          sync.Mutex
	lastAttempt *time.Time
	lastLoaded  bool
}

// NewSyncEngine creates a SyncEngine. store holds the last attempt time and
// is usually the one backing outbox.
func NewSyncEngine(outbox *queue.Outbox, store kvstore.Store, transport Transport, broadcaster *broadcast.Broadcaster, config EngineConfig) *SyncEngine {
	defaults := DefaultEngineConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if broadcaster == nil {
		broadcaster = broadcast.New()
	}
	return &SyncEngine{
		outbox:      outbox,
		store:       store,
		transport:   transport,
		broadcaster: broadcaster,
		splitter:    batch.NewSplitter(config.ChunkSize, config.ChunkTimeout),
		config:      config,
		now:         time.Now,
	}
}

// SetClock overrides the time source. For tests.
func (e *SyncEngine) SetClock(now func() time.Time) {
	e.now = now
}

// Broadcaster returns the broadcaster the engine publishes to.
func (e *SyncEngine) Broadcaster() *broadcast.Broadcaster {
	return e.broadcaster
}

// IsSyncing reports whether a pass is in flight.
func (e *SyncEngine) IsSyncing() bool {
	return e.inFlight.Load()
}

// Sync runs an automatic pass. Failed items are left alone.
func (e *SyncEngine) Sync(ctx context.Context) models.PassResult {
	return e.runPass(ctx, false)
}

// SyncManual runs a pass that also re-attempts failed items. Nothing is
// reset: a failed item that fails again stays failed.
func (e *SyncEngine) SyncManual(ctx context.Context) models.PassResult {
	return e.runPass(ctx, true)
}

// passTally accumulates per-unit outcomes from concurrent deliveries.
type passTally struct {
	mu       sync.Mutex
	synced   int
	retrying int
	failed   int
	chunks   int
}

func (t *passTally) add(synced, retrying, failed, chunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.synced += synced
	t.retrying += retrying
	t.failed += failed
	t.chunks += chunks
}

// deliveryUnit is what one transport call carries: a single feedback item,
// or every metrics item of the pass.
type deliveryUnit struct {
	kind  models.PayloadKind
	items []models.QueuedItem
}

func (e *SyncEngine) runPass(ctx context.Context, manual bool) models.PassResult {
	if !e.inFlight.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"manual": manual})
		return models.PassResult{Skipped: true, Manual: manual}
	}

	// Bookkeeping outlives cancellation of the transmissions so that an
	// interrupted pass still leaves the queue consistent.
	sendCtx := ctx
	ctx = context.WithoutCancel(ctx)

	started := e.now()
	result := models.PassResult{Manual: manual, StartedAt: started}

	e.recordAttempt(ctx, started)
	e.Publish(ctx)

	// Only one pass runs at a time, so anything still syncing was stranded by
	// an earlier pass whose bookkeeping write failed.
	if _, err := e.outbox.RecoverInterrupted(ctx); err != nil {
		logging.Warn("Could not reset stranded items", map[string]interface{}{"error": err.Error()})
	}

	statuses := []models.ItemStatus{models.StatusPending}
	if manual {
		statuses = append(statuses, models.StatusFailed)
	}
	items := e.outbox.Select(ctx, statuses...)

	if len(items) > 0 {
		e.deliverAll(ctx, sendCtx, items, &result)
		if _, err := e.outbox.RemoveSynced(ctx); err != nil {
			logging.Warn("Cleanup of synced items failed", map[string]interface{}{"error": err.Error()})
		}
	}

	result.Duration = e.now().Sub(started)
	e.inFlight.Store(false)
	e.Publish(ctx)

	if result.Attempted > 0 {
		logging.Info("Sync pass completed", map[string]interface{}{
			"manual":      manual,
			"attempted":   result.Attempted,
			"synced":      result.Synced,
			"retrying":    result.Retrying,
			"failed":      result.Failed,
			"chunks":      result.Chunks,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}
	return result
}

func (e *SyncEngine) deliverAll(ctx, sendCtx context.Context, items []models.QueuedItem, result *models.PassResult) {
	result.Attempted = len(items)

	if _, err := e.outbox.SetStatuses(ctx, models.IDs(items), models.StatusSyncing); err != nil {
		logging.Warn("Could not persist syncing status", map[string]interface{}{"error": err.Error()})
	}

	var units []deliveryUnit
	var metrics []models.QueuedItem
	for _, item := range items {
		if item.Kind == models.KindMetrics {
			metrics = append(metrics, item)
			continue
		}
		units = append(units, deliveryUnit{kind: item.Kind, items: []models.QueuedItem{item}})
	}
	if len(metrics) > 0 {
		units = append(units, deliveryUnit{kind: models.KindMetrics, items: metrics})
	}

	tally := &passTally{}
	var g errgroup.Group
	g.SetLimit(e.config.MaxConcurrency)
	for _, unit := range units {
		unit := unit
		g.Go(func() error {
			e.deliverUnit(ctx, sendCtx, unit, tally)
			return nil
		})
	}
	_ = g.Wait()

	result.Synced = tally.synced
	result.Retrying = tally.retrying
	result.Failed = tally.failed
	result.Chunks = tally.chunks
}

func (e *SyncEngine) deliverUnit(ctx, sendCtx context.Context, unit deliveryUnit, tally *passTally) {
	reqCtx, cancel := context.WithTimeout(sendCtx, e.config.RequestTimeout)
	err := e.send(reqCtx, unit.kind, unit.items, nil)
	cancel()

	switch {
	case err == nil:
		e.markSynced(ctx, models.IDs(unit.items))
		tally.add(len(unit.items), 0, 0, 0)
	case apperrors.Is(err, apperrors.ErrPayloadTooLarge):
		e.split(ctx, sendCtx, unit, tally)
	default:
		for _, item := range unit.items {
			retrying, failed := e.recordFailure(ctx, sendCtx, item, err)
			tally.add(0, retrying, failed, 0)
		}
	}
}

func (e *SyncEngine) split(ctx, sendCtx context.Context, unit deliveryUnit, tally *passTally) {
	res := e.splitter.Run(sendCtx, unit.items, func(ctx context.Context, chunk []models.QueuedItem, info batch.Info) error {
		return e.send(ctx, unit.kind, chunk, &info)
	})

	if len(res.SyncedIDs) > 0 {
		e.markSynced(ctx, res.SyncedIDs)
	}
	tally.add(len(res.SyncedIDs), 0, 0, len(res.Chunks))

	for _, c := range res.Chunks {
		if c.Err == nil {
			continue
		}
		failing := make(map[string]struct{}, len(c.IDs))
		for _, id := range c.IDs {
			failing[id] = struct{}{}
		}
		for _, item := range unit.items {
			if _, ok := failing[item.ID]; !ok {
				continue
			}
			retrying, failed := e.recordFailure(ctx, sendCtx, item, c.Err)
			tally.add(0, retrying, failed, 0)
		}
	}
}

func (e *SyncEngine) send(ctx context.Context, kind models.PayloadKind, items []models.QueuedItem, info *batch.Info) error {
	if kind == models.KindMetrics {
		return e.transport.SendMetrics(ctx, items, info, true)
	}
	var errs []error
	for _, item := range items {
		if err := e.transport.SendFeedback(ctx, item, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *SyncEngine) markSynced(ctx context.Context, ids []string) {
	if _, err := e.outbox.SetStatuses(ctx, ids, models.StatusSynced); err != nil {
		logging.Warn("Could not persist synced status", map[string]interface{}{
			"items": len(ids),
			"error": err.Error(),
		})
	}
}

// recordFailure applies retry accounting to one item and reports whether it
// went back to pending or ended failed. A send cut short by cancellation of
// the pass is not an attempt: the item returns to pending untouched. When the
// write fails the item stays syncing until the next pass resets it.
func (e *SyncEngine) recordFailure(ctx, sendCtx context.Context, item models.QueuedItem, cause error) (retrying, failed int) {
	if errors.Is(sendCtx.Err(), context.Canceled) {
		_ = e.outbox.SetStatus(ctx, item.ID, models.StatusPending)
		return 1, 0
	}
	terminal := apperrors.Is(cause, apperrors.ErrClientRejected)
	updated, err := e.outbox.RecordFailure(ctx, item.ID, cause.Error(), e.config.MaxRetries, terminal)
	if err != nil {
		logging.Warn("Could not record retry", map[string]interface{}{
			"id":    item.ID,
			"error": err.Error(),
		})
		return 1, 0
	}
	if updated == nil {
		return 0, 0
	}

	if updated.Status == models.StatusFailed {
		logging.Warn("Item failed permanently", map[string]interface{}{
			"id":          item.ID,
			"kind":        string(item.Kind),
			"retry_count": updated.RetryCount,
			"error":       cause.Error(),
		})
		return 0, 1
	}
	logging.Debug("Item will be retried", map[string]interface{}{
		"id":          item.ID,
		"retry_count": updated.RetryCount,
		"max_retries": e.config.MaxRetries,
	})
	return 1, 0
}

// RecoverInterrupted returns items left in syncing by an earlier process to
// pending. It holds the in-flight flag while it runs and does nothing when a
// pass is already in progress.
func (e *SyncEngine) RecoverInterrupted(ctx context.Context) (int, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer e.inFlight.Store(false)
	return e.outbox.RecoverInterrupted(ctx)
}

// Status returns the current snapshot. Counts come from the live queue.
func (e *SyncEngine) Status(ctx context.Context) models.SyncStatusSnapshot {
	pending, failed := e.outbox.Counts(ctx)
	return models.SyncStatusSnapshot{
		LastSyncAttempt:    e.LastSyncAttempt(ctx),
		TotalPending:       pending,
		TotalFailed:        failed,
		IsCurrentlySyncing: e.inFlight.Load(),
	}
}

// Publish notifies listeners with the current snapshot.
func (e *SyncEngine) Publish(ctx context.Context) {
	e.broadcaster.Notify(e.Status(ctx))
}

// LastSyncAttempt returns the start time of the most recent pass, loading it
// from the store on first use.
func (e *SyncEngine) LastSyncAttempt(ctx context.Context) *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastLoaded {
		e.lastAttempt = e.loadLastAttempt(ctx)
		e.lastLoaded = true
	}
	if e.lastAttempt == nil {
		return nil
	}
	t := *e.lastAttempt
	return &t
}

func (e *SyncEngine) loadLastAttempt(ctx context.Context) *time.Time {
	raw, ok, err := e.store.Get(ctx, LastSyncAttemptKey)
	if err != nil {
		logging.Warn("Could not read last sync attempt", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		logging.Warn("Ignoring malformed last sync attempt", map[string]interface{}{"value": raw})
		return nil
	}
	return &t
}

func (e *SyncEngine) recordAttempt(ctx context.Context, at time.Time) {
	e.mu.Lock()
	e.lastAttempt = &at
	e.lastLoaded = true
	e.mu.Unlock()

	if err := e.store.Set(ctx, LastSyncAttemptKey, at.UTC().Format(time.RFC3339Nano)); err != nil {
		logging.Warn("Could not persist last sync attempt", map[string]interface{}{"error": err.Error()})
	}
}
