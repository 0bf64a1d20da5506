// Package scheduler provides background sync scheduling for queued operations.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/logging"
	syncpkg "github.com/kimhsiao/outbox/internal/sync"
)

// Cleaner removes expired operations.
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// Restorer returns a degraded store to its primary backend.
type Restorer interface {
	RestoreStore(ctx context.Context) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine          syncpkg.SyncEngineInterface
	cleaner         Cleaner
	online          syncpkg.OnlineChecker
	syncInterval    time.Duration
	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	lastSyncTime    time.Time
	lastCleanupTime time.Time
	triggered       int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval    time.Duration // How often to sync when online (default: 30 seconds)
	CleanupInterval time.Duration // How often to sweep expired operations (default: 1 hour)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:    30 * time.Second,
		CleanupInterval: 1 * time.Hour,
	}
}

// NewScheduler creates a new Scheduler. A nil cleaner disables the cleanup loop.
func NewScheduler(engine syncpkg.SyncEngineInterface, cleaner Cleaner, online syncpkg.OnlineChecker, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	syncInterval := config.SyncInterval
	if syncInterval <= 0 {
		syncInterval = defaults.SyncInterval
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaults.CleanupInterval
	}

	return &Scheduler{
		engine:          engine,
		cleaner:         cleaner,
		online:          online,
		syncInterval:    syncInterval,
		cleanupInterval: cleanupInterval,
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx, stopCh)

	if s.cleaner != nil {
		s.wg.Add(1)
		go s.cleanupLoop(ctx, stopCh)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":    s.syncInterval.String(),
		"cleanup_interval": s.cleanupInterval.String(),
	})
}

// Stop stops the background loops gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// periodicSyncLoop triggers a sync on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one periodic trigger. A degraded store is offered a chance to
// recover first, whatever the connectivity.
func (s *Scheduler) tick(ctx context.Context) {
	if r, ok := s.cleaner.(Restorer); ok {
		_ = r.RestoreStore(ctx)
	}
	if !s.online.IsOnline() {
		return
	}
	if !s.engine.TriggerSync(ctx) {
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.triggered++
	s.mu.Unlock()
}

// cleanupLoop sweeps expired operations regardless of online status.
func (s *Scheduler) cleanupLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	removed, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		logging.ErrorWithCode("Periodic cleanup failed", string(errors.ErrStorage), err,
			map[string]interface{}{"interval_minutes": s.cleanupInterval.Minutes()})
		return
	}

	s.mu.Lock()
	s.lastCleanupTime = time.Now()
	s.mu.Unlock()

	if removed > 0 {
		logging.Info("Periodic cleanup completed", map[string]interface{}{"removed": removed})
	}
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool
	IsOnline        bool
	LastSyncTime    *time.Time
	LastCleanupTime *time.Time
	Triggered       int
	Engine          syncpkg.EngineStatus
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.online.IsOnline(),
		Triggered: s.triggered,
		Engine:    s.engine.Status(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastCleanupTime.IsZero() {
		t := s.lastCleanupTime
		status.LastCleanupTime = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
