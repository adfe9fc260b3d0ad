// Package scheduler turns connectivity changes, foreground events and a
// periodic timer into sync passes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/connectivity"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	syncpkg "github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync"
)

// Trigger names the event that started a pass.
type Trigger string

const (
	TriggerStartup      Trigger = "startup"
	TriggerConnectivity Trigger = "connectivity"
	TriggerForeground   Trigger = "foreground"
	TriggerPeriodic     Trigger = "periodic"
)

// Scheduler manages background sync passes.
type Scheduler struct {
	engine           syncpkg.SyncEngineInterface
	monitor          connectivity.Monitor
	periodicInterval time.Duration

	mu          sync.RWMutex
	wg          sync.WaitGroup
	stopCh      chan struct{}
	cancel      context.CancelFunc
	runCtx      context.Context
	unsubscribe func()
	isRunning   bool
	isOnline    bool
	lastTrigger Trigger
	lastRunAt   time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// PeriodicInterval triggers a pass while online. Zero disables it.
	PeriodicInterval time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PeriodicInterval: 15 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. Nothing runs until Start.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		engine:           engine,
		monitor:          monitor,
		periodicInterval: config.PeriodicInterval,
	}
}

// Start subscribes to connectivity and starts the periodic loop. When the
// device is already online a pass is triggered right away to drain work left
// by a previous run.
func (s *Scheduler) Start(ctx context.Context) {
	if s.IsRunning() {
		return
	}
	online := s.monitor.IsConnected(ctx)

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.isRunning = true
	s.isOnline = online
	s.unsubscribe = s.monitor.Subscribe(s.SetOnlineStatus)
	s.mu.Unlock()

	if s.periodicInterval > 0 {
		s.wg.Add(1)
		go s.periodicSyncLoop()
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"online":               online,
		"periodic_interval_ms": s.periodicInterval.Milliseconds(),
	})

	if online {
		s.TriggerSync(TriggerStartup)
	}
}

// Stop unsubscribes, cancels in-flight passes and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	cancel := s.cancel
	close(s.stopCh)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records a connectivity change. An offline to online
// transition triggers a pass.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.TriggerSync(TriggerConnectivity)
	}
}

// OnForeground is called by the host when the app returns to the
// foreground.
func (s *Scheduler) OnForeground() bool {
	if !s.IsOnline() {
		logging.Debug("Skipping foreground sync - offline", nil)
		return false
	}
	return s.TriggerSync(TriggerForeground)
}

// TriggerSync starts a background pass. It returns false when the scheduler
// is stopped or a pass is already running.
func (s *Scheduler) TriggerSync(trigger Trigger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return false
	}
	if s.engine.IsSyncing() {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": string(trigger)})
		return false
	}
	s.lastTrigger = trigger
	s.wg.Add(1)
	go s.runSync(s.runCtx, trigger)
	return true
}

// SyncNow runs a manual pass and waits for it. It fails with
// NO_CONNECTIVITY when offline.
func (s *Scheduler) SyncNow(ctx context.Context) (models.PassResult, error) {
	if !s.monitor.IsConnected(ctx) {
		return models.PassResult{}, errors.New(errors.ErrNoConnectivity, "cannot sync while offline")
	}
	result := s.engine.SyncManual(ctx)
	if !result.Skipped {
		s.mu.Lock()
		s.lastRunAt = time.Now()
		s.mu.Unlock()
	}
	return result, nil
}

func (s *Scheduler) periodicSyncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.periodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.TriggerSync(TriggerPeriodic)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context, trigger Trigger) {
	defer s.wg.Done()

	result := s.engine.Sync(ctx)
	if result.Skipped {
		return
	}

	s.mu.Lock()
	s.lastRunAt = time.Now()
	s.mu.Unlock()

	logging.Debug("Background sync finished", map[string]interface{}{
		"trigger":   string(trigger),
		"attempted": result.Attempted,
		"synced":    result.Synced,
	})
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	SyncInProgress bool
	LastTrigger    Trigger
	LastRunAt      *time.Time
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.engine.IsSyncing(),
		LastTrigger:    s.lastTrigger,
	}
	if !s.lastRunAt.IsZero() {
		t := s.lastRunAt
		status.LastRunAt = &t
	}
	return status
}

// IsOnline returns the last known connectivity state.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
