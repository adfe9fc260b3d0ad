// Package services provides the producer-facing outbox API: submit, manual
// sync, status and listeners.
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/connectivity"
	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/kvstore"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	syncpkg "github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/broadcast"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/queue"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/scheduler"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/uuid"
)

// OutboxConfig holds configuration for the outbox service.
type OutboxConfig struct {
	Engine    syncpkg.EngineConfig
	Scheduler *scheduler.SchedulerConfig

	// MaxQueueSize bounds the number of queued items.
	MaxQueueSize int

	// ImmediateTimeout bounds the one delivery attempt Submit makes while
	// online. Defaults to the engine request timeout.
	ImmediateTimeout time.Duration
}

// DefaultOutboxConfig returns sensible defaults.
func DefaultOutboxConfig() *OutboxConfig {
	return &OutboxConfig{
		Engine:       syncpkg.DefaultEngineConfig(),
		Scheduler:    scheduler.DefaultSchedulerConfig(),
		MaxQueueSize: queue.DefaultMaxSize,
	}
}

// OutboxService wires the outbox, engine and scheduler around injected
// store, transport and connectivity collaborators.
type OutboxService struct {
	store       kvstore.Store
	transport   syncpkg.Transport
	monitor     connectivity.Monitor
	validator   *queue.Validator
	outbox      *queue.Outbox
	broadcaster *broadcast.Broadcaster
	engine      *syncpkg.SyncEngine
	scheduler   *scheduler.Scheduler

	immediateTimeout time.Duration

	mu      sync.Mutex
	started bool
}

// NewOutboxService builds the service. Nothing runs until Start.
func NewOutboxService(store kvstore.Store, transport syncpkg.Transport, monitor connectivity.Monitor, config *OutboxConfig) (*OutboxService, error) {
	if store == nil || transport == nil || monitor == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "store, transport and monitor are required")
	}
	if config == nil {
		config = DefaultOutboxConfig()
	}

	validator, err := queue.NewValidator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "compile payload schemas", err)
	}

	outbox := queue.NewOutbox(store,
		queue.WithMaxSize(config.MaxQueueSize),
		queue.WithValidator(validator),
	)
	b := broadcast.New()
	engine := syncpkg.NewSyncEngine(outbox, store, transport, b, config.Engine)
	sched := scheduler.NewScheduler(engine, monitor, config.Scheduler)

	timeout := config.ImmediateTimeout
	if timeout <= 0 {
		timeout = config.Engine.RequestTimeout
	}
	if timeout <= 0 {
		timeout = syncpkg.DefaultRequestTimeout
	}

	return &OutboxService{
		store:            store,
		transport:        transport,
		monitor:          monitor,
		validator:        validator,
		outbox:           outbox,
		broadcaster:      b,
		engine:           engine,
		scheduler:        sched,
		immediateTimeout: timeout,
	}, nil
}

// Start recovers items interrupted by a previous process and starts the
// background scheduler.
func (s *OutboxService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.Recover(ctx); err != nil {
		logging.Warn("Could not recover interrupted items", map[string]interface{}{"error": err.Error()})
	}
	s.scheduler.Start(ctx)
	s.started = true
	s.engine.Publish(ctx)
	return nil
}

// Recover returns items left in syncing by an interrupted process to
// pending. Retry counts are untouched.
func (s *OutboxService) Recover(ctx context.Context) error {
	_, err := s.engine.RecoverInterrupted(ctx)
	return err
}

// Stop halts background syncing. In-flight passes are cancelled and their
// items return to pending.
func (s *OutboxService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.scheduler.Stop()
	s.started = false
}

// Close stops the service and closes the store.
func (s *OutboxService) Close() error {
	s.Stop()
	var result *multierror.Error
	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, apperrors.Wrap(apperrors.ErrStorage, "close store", err))
	}
	return result.ErrorOrNil()
}

// Submit accepts a payload. While online it makes one delivery attempt;
// when offline or when that attempt fails the payload is queued. Success is
// always true on a nil error; only validation and persistence fail.
func (s *OutboxService) Submit(ctx context.Context, kind models.PayloadKind, payload json.RawMessage) (models.SubmitResult, error) {
	if err := s.validator.Validate(kind, payload); err != nil {
		return models.SubmitResult{}, err
	}

	id := uuid.NewItemID()
	if s.monitor.IsConnected(ctx) {
		err := s.deliverNow(ctx, id, kind, payload)
		if err == nil {
			logging.Debug("Submitted directly", map[string]interface{}{"id": id, "kind": string(kind)})
			return models.SubmitResult{Success: true, ID: id, Offline: false}, nil
		}
		logging.Info("Direct submit failed, queueing", map[string]interface{}{
			"id":    id,
			"kind":  string(kind),
			"error": err.Error(),
		})
	}

	item, err := s.outbox.EnqueueWithID(ctx, id, kind, payload)
	if err != nil {
		return models.SubmitResult{}, err
	}
	s.engine.Publish(ctx)
	return models.SubmitResult{Success: true, ID: item.ID, Offline: true}, nil
}

func (s *OutboxService) deliverNow(ctx context.Context, id string, kind models.PayloadKind, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.immediateTimeout)
	defer cancel()

	item := models.QueuedItem{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		Status:    models.StatusSyncing,
		CreatedAt: time.Now().UnixMilli(),
	}
	if kind == models.KindMetrics {
		return s.transport.SendMetrics(ctx, []models.QueuedItem{item}, nil, false)
	}
	return s.transport.SendFeedback(ctx, item, false)
}

// ForceSync runs a manual pass and waits for it. It returns NO_CONNECTIVITY
// when offline.
func (s *OutboxService) ForceSync(ctx context.Context) (models.PassResult, error) {
	return s.scheduler.SyncNow(ctx)
}

// OnForeground forwards an app-foreground transition to the scheduler.
func (s *OutboxService) OnForeground() bool {
	return s.scheduler.OnForeground()
}

// GetStatus returns the current sync status snapshot.
func (s *OutboxService) GetStatus(ctx context.Context) models.SyncStatusSnapshot {
	return s.engine.Status(ctx)
}

// AddListener registers fn for status snapshots.
func (s *OutboxService) AddListener(fn broadcast.Listener) broadcast.ListenerID {
	return s.broadcaster.AddListener(fn)
}

// RemoveListener unregisters a listener added with AddListener.
func (s *OutboxService) RemoveListener(id broadcast.ListenerID) bool {
	return s.broadcaster.RemoveListener(id)
}

// Items returns the queued items, for diagnostics.
func (s *OutboxService) Items(ctx context.Context) []models.QueuedItem {
	return s.outbox.List(ctx)
}

// SchedulerStatus exposes the scheduler view, for diagnostics.
func (s *OutboxService) SchedulerStatus() scheduler.SchedulerStatus {
	return s.scheduler.GetStatus()
}
