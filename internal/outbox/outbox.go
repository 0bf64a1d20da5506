// Package outbox assembles the queue manager, sync engine, connectivity
// monitor and scheduler of one namespace behind a single API.
package outbox

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox/queue"
	"github.com/kimhsiao/outbox/internal/outbox/store"
	"github.com/kimhsiao/outbox/internal/outbox/validate"
	syncpkg "github.com/kimhsiao/outbox/internal/sync"
	"github.com/kimhsiao/outbox/internal/sync/conflict"
	"github.com/kimhsiao/outbox/internal/sync/connectivity"
	"github.com/kimhsiao/outbox/internal/sync/scheduler"
	"github.com/kimhsiao/outbox/internal/transport/httpreplay"
)

// Options configures an Outbox.
type Options struct {
	Profile Profile
	Store   store.Store

	// Replayer sends operations upstream. Nil builds an HTTP client from Remote.
	Replayer syncpkg.Replayer
	Remote   httpreplay.Options

	Validator *validate.Validator
	// Monitor may be shared by several outboxes. Nil creates a private one
	// that starts online.
	Monitor *connectivity.Monitor
	Bus     *events.Bus

	MaxQueueSize       int
	Backoff            queue.Backoff
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	CleanupInterval    time.Duration
	ReplayTimeout      time.Duration

	// ProbeInterval > 0 pings the remote service on a private monitor.
	ProbeInterval time.Duration
	Pinger        connectivity.Pinger

	Now func() time.Time
}

// Stats is the queue snapshot plus engine state.
type Stats struct {
	models.QueueStats
	IsOnline           bool       `json:"is_online"`
	IsProcessing       bool       `json:"is_processing"`
	LastSyncAttempt    *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// Outbox is one namespace's offline queue and replay engine.
type Outbox struct {
	profile   Profile
	store     store.Store
	manager   *queue.Manager
	engine    *syncpkg.Engine
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
	prober    *connectivity.Prober
	bus       *events.Bus
	ownsBus   bool
	ownsMon   bool

	removeTrigger func()
}

// New wires an Outbox. The store is owned by the Outbox and closed by Close.
func New(opts Options) (*Outbox, error) {
	p := opts.Profile
	if p.Name == "" {
		p = Generic()
	}
	if opts.Store == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "outbox store is required")
	}

	o := &Outbox{profile: p, store: opts.Store, bus: opts.Bus, monitor: opts.Monitor}
	if o.bus == nil {
		o.bus = events.NewBus()
		o.ownsBus = true
	}
	if o.monitor == nil {
		o.monitor = connectivity.NewMonitor(connectivity.Options{StartOnline: true, Publisher: o.bus})
		o.ownsMon = true
	}

	var client *httpreplay.Client
	replayer := opts.Replayer
	if replayer == nil {
		remote := opts.Remote
		remote.JSONRPC = remote.JSONRPC || p.JSONRPC
		if remote.HealthPath == "" {
			remote.HealthPath = p.HealthPath
		}
		client = httpreplay.New(remote)
		replayer = client
	}

	o.manager = queue.NewManager(opts.Store, queue.Options{
		Namespace:          p.Name,
		MaxQueueSize:       opts.MaxQueueSize,
		DefaultMaxRetries:  p.MaxRetries,
		Backoff:            opts.Backoff,
		CompletedRetention: opts.CompletedRetention,
		FailedRetention:    opts.FailedRetention,
		Validator:          opts.Validator,
		Routes:             p.Routes,
		Publisher:          o.bus,
		Now:                opts.Now,
	})

	var resolver *conflict.Resolver
	if p.Conflict != "" {
		resolver = conflict.NewResolver(p.Conflict, p.Merger)
	}
	o.engine = syncpkg.NewEngine(o.manager, replayer, o.monitor, syncpkg.EngineConfig{
		BatchSize:     p.BatchSize,
		ReplayTimeout: opts.ReplayTimeout,
		Resolver:      resolver,
		Now:           opts.Now,
	})
	o.removeTrigger = o.monitor.AddTrigger(o.engine.TriggerSync)

	o.scheduler = scheduler.NewScheduler(o.engine, o.manager, o.monitor, &scheduler.SchedulerConfig{
		SyncInterval:    p.SyncInterval,
		CleanupInterval: opts.CleanupInterval,
	})

	if opts.ProbeInterval > 0 && o.ownsMon {
		pinger := opts.Pinger
		if pinger == nil && client != nil {
			pinger = client
		}
		if pinger != nil {
			o.prober = connectivity.NewProber(o.monitor, pinger, opts.ProbeInterval)
		}
	}

	logging.Info("Outbox initialized", map[string]interface{}{
		"namespace":     p.Name,
		"max_retries":   p.MaxRetries,
		"batch_size":    p.BatchSize,
		"sync_interval": p.SyncInterval.String(),
		"json_rpc":      p.JSONRPC,
		"kinds":         len(p.Routes),
	})
	return o, nil
}

// Name returns the namespace.
func (o *Outbox) Name() string {
	return o.profile.Name
}

// Profile returns the profile the outbox was built with.
func (o *Outbox) Profile() Profile {
	return o.profile
}

// Enqueue validates and persists req as a pending operation.
func (o *Outbox) Enqueue(ctx context.Context, req models.OperationRequest) (*models.QueuedOperation, error) {
	op, err := o.manager.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	if o.profile.SyncOnEnqueue {
		o.engine.TriggerSync(context.WithoutCancel(ctx))
	}
	return op, nil
}

// SyncNow runs one replay pass and waits for it.
func (o *Outbox) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return o.engine.SyncNow(ctx)
}

// Stats returns the queue counts and engine state.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	qs, err := o.manager.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	es := o.engine.Status()
	return Stats{
		QueueStats:         qs,
		IsOnline:           es.IsOnline,
		IsProcessing:       es.IsProcessing,
		LastSyncAttempt:    es.LastSyncAttempt,
		LastSuccessfulSync: es.LastSuccessfulSync,
		LastError:          es.LastError,
	}, nil
}

// Clear removes every operation in the namespace.
func (o *Outbox) Clear(ctx context.Context) (int, error) {
	return o.manager.Clear(ctx)
}

// RetryFailedItems resets failed operations to pending and starts a pass.
func (o *Outbox) RetryFailedItems(ctx context.Context) (int, error) {
	n, err := o.manager.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.engine.TriggerSync(context.WithoutCancel(ctx))
	}
	return n, nil
}

// FailedItems lists failed operations, oldest first.
func (o *Outbox) FailedItems(ctx context.Context) ([]*models.QueuedOperation, error) {
	return o.manager.List(ctx, models.StatusFailed)
}

// Operation returns one operation by ID.
func (o *Outbox) Operation(ctx context.Context, id string) (*models.QueuedOperation, error) {
	return o.manager.Get(ctx, id)
}

// RecentLogs returns up to limit sync log entries, newest first.
func (o *Outbox) RecentLogs(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	return o.manager.RecentLogs(ctx, limit)
}

// SchedulerStatus returns the background scheduler state.
func (o *Outbox) SchedulerStatus() scheduler.SchedulerStatus {
	return o.scheduler.GetStatus()
}

// Start begins periodic sync, cleanup and probing. A pass is triggered
// immediately when online.
func (o *Outbox) Start(ctx context.Context) {
	o.scheduler.Start(ctx)
	if o.prober != nil {
		o.prober.Start(ctx)
	}
	o.engine.TriggerSync(ctx)
}

// Stop halts the background loops and waits for a running pass.
func (o *Outbox) Stop() {
	if o.prober != nil {
		o.prober.Stop()
	}
	o.scheduler.Stop()
	o.engine.Wait()
}

// Close stops the outbox and releases the store and any private bus or monitor.
// A shared monitor no longer triggers passes once Close returns.
func (o *Outbox) Close() error {
	o.removeTrigger()
	o.Stop()
	o.engine.Close()
	if o.ownsMon {
		o.monitor.Close()
	}
	if o.ownsBus {
		o.bus.Close()
	}
	return o.store.Close()
}

// Monitor returns the connectivity monitor feeding this outbox.
func (o *Outbox) Monitor() *connectivity.Monitor {
	return o.monitor
}

// Events returns the bus the outbox publishes to.
func (o *Outbox) Events() *events.Bus {
	return o.bus
}

// Wait blocks until background passes started so far have returned.
func (o *Outbox) Wait() {
	o.engine.Wait()
}
