// Package main runs outboxd, the offline outbox daemon.
// Clients talk to it over REST and WebSocket on the configured listen address.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/outbox/cmd/outboxd/handlers"
	"github.com/kimhsiao/outbox/internal/config"
	"github.com/kimhsiao/outbox/internal/db"
	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/outbox"
	"github.com/kimhsiao/outbox/internal/outbox/queue"
	"github.com/kimhsiao/outbox/internal/outbox/store"
	"github.com/kimhsiao/outbox/internal/outbox/validate"
	"github.com/kimhsiao/outbox/internal/sync/conflict"
	"github.com/kimhsiao/outbox/internal/sync/connectivity"
	"github.com/kimhsiao/outbox/internal/telemetry"
	"github.com/kimhsiao/outbox/internal/transport/httpreplay"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("OUTBOX_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxd: %v\n", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Logging.Level))
	telemetry.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("outboxd stopped with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	d.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           d.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("outboxd listening", map[string]interface{}{
			"address":    cfg.Server.ListenAddress,
			"version":    Version,
			"namespaces": d.handler.Namespaces(),
		})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down outboxd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// daemon owns the shared monitor, bus and stores behind every outbox.
type daemon struct {
	cfg      *config.Config
	bus      *events.Bus
	monitor  *connectivity.Monitor
	prober   *connectivity.Prober
	outboxes map[string]*outbox.Outbox
	handler  *handlers.OutboxHandler
	hub      *WSHub
	db       *db.DB
	redis    *redis.Client
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		bus:      events.NewBus(),
		outboxes: make(map[string]*outbox.Outbox),
	}
	if err := d.init(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) init() error {
	cfg := d.cfg
	d.monitor = connectivity.NewMonitor(connectivity.Options{
		StartOnline:    cfg.Connectivity.StartOnline,
		OnlineDebounce: config.ParseDuration(cfg.Connectivity.OnlineDebounce, 0),
		Publisher:      d.bus,
	})

	if cfg.Connectivity.ProbeEnabled {
		d.prober = connectivity.NewProber(d.monitor, probeClient(cfg),
			config.ParseDuration(cfg.Connectivity.ProbeInterval, connectivity.DefaultProbeInterval))
	}

	for _, pc := range cfg.Profiles {
		o, err := d.buildOutbox(pc)
		if err != nil {
			return err
		}
		d.outboxes[pc.Name] = o
	}

	d.handler = handlers.NewOutboxHandler(d.outboxes, d.monitor)
	d.hub = NewWSHub(d.bus.Subscribe(wsSendBuffer))
	return nil
}

// probeClient pings probe_url when set, otherwise the remote health path.
func probeClient(cfg *config.Config) *httpreplay.Client {
	opts := httpreplay.Options{
		BaseURL:    cfg.Remote.BaseURL,
		Token:      cfg.Remote.Token,
		Timeout:    config.ParseDuration(cfg.Remote.Timeout, httpreplay.DefaultTimeout),
		HealthPath: cfg.Remote.HealthPath,
	}
	if cfg.Connectivity.ProbeURL != "" {
		opts.HealthPath = cfg.Connectivity.ProbeURL
	}
	return httpreplay.New(opts)
}

func (d *daemon) buildOutbox(pc config.ProfileConfig) (*outbox.Outbox, error) {
	p, err := profileFor(pc)
	if err != nil {
		return nil, err
	}

	validator := validate.New()
	for kind, path := range pc.Schemas {
		schema, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema for %s/%s: %w", pc.Name, kind, err)
		}
		if err := validator.AddSchema(kind, schema); err != nil {
			return nil, err
		}
	}

	st, err := d.openStore(pc.Name)
	if err != nil {
		return nil, err
	}

	q := d.cfg.Queue
	o, err := outbox.New(outbox.Options{
		Profile: p,
		Store:   st,
		Remote: httpreplay.Options{
			BaseURL:           d.cfg.Remote.BaseURL,
			Token:             d.cfg.Remote.Token,
			Timeout:           config.ParseDuration(d.cfg.Remote.Timeout, httpreplay.DefaultTimeout),
			RetryClientErrors: d.cfg.Remote.RetryClientErrors,
		},
		Validator:          validator,
		Monitor:            d.monitor,
		Bus:                d.bus,
		MaxQueueSize:       q.MaxQueueSize,
		Backoff:            queue.Backoff(q.RetryDelayDurations()),
		CompletedRetention: config.ParseDuration(q.CompletedRetention, 0),
		FailedRetention:    config.ParseDuration(q.FailedRetention, 0),
		CleanupInterval:    config.ParseDuration(q.CleanupInterval, 0),
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return o, nil
}

// profileFor applies the non-zero overrides of pc to its preset.
func profileFor(pc config.ProfileConfig) (outbox.Profile, error) {
	p, err := outbox.Preset(pc.Preset)
	if err != nil {
		return outbox.Profile{}, err
	}
	p.Name = pc.Name
	if pc.MaxRetries > 0 {
		p.MaxRetries = pc.MaxRetries
	}
	if pc.BatchSize > 0 {
		p.BatchSize = pc.BatchSize
	}
	p.SyncInterval = config.ParseDuration(pc.SyncInterval, p.SyncInterval)
	if pc.JSONRPC != nil {
		p.JSONRPC = *pc.JSONRPC
	}
	if len(pc.Routes) > 0 {
		p = p.WithRoutes(pc.Routes)
	}
	if pc.ConflictStrategy != "" {
		strategy, err := conflict.ParseStrategy(pc.ConflictStrategy)
		if err != nil {
			return outbox.Profile{}, err
		}
		p.Conflict = strategy
		if strategy == conflict.StrategyMerge && p.Merger == nil {
			p.Merger = conflict.ShallowMerge
		}
	}
	return p, nil
}

// openStore returns the configured backend for one namespace.
func (d *daemon) openStore(namespace string) (store.Store, error) {
	var st store.Store
	switch d.cfg.Store.Backend {
	case config.StoreSQLite:
		if d.db == nil {
			conn, err := db.Open(d.cfg.DataDir)
			if err != nil {
				return nil, err
			}
			d.db = conn
		}
		st = store.NewSQLite(d.db.DB, namespace)
	case config.StoreRedis:
		if d.redis == nil {
			d.redis = redis.NewClient(&redis.Options{
				Addr:     d.cfg.Redis.Addr,
				Password: d.cfg.Redis.Password,
				DB:       d.cfg.Redis.DB,
			})
		}
		st = store.NewRedis(d.redis, d.cfg.Redis.Prefix, namespace)
	default:
		return store.NewMemory(), nil
	}
	if d.cfg.Store.MemoryFallback {
		st = store.NewFallback(st)
	}
	return st, nil
}

// Router builds the HTTP API.
func (d *daemon) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", d.health)
	d.handler.Routes(r)
	r.Get("/ws", HandleWebSocket(d.hub))
	return r
}

// health handles GET /api/health
func (d *daemon) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"service":    "outboxd",
		"version":    Version,
		"online":     d.monitor.IsOnline(),
		"namespaces": d.handler.Namespaces(),
		"ws_clients": d.hub.ClientCount(),
	})
}

// Start begins background sync for every outbox and the shared prober.
func (d *daemon) Start(ctx context.Context) {
	if d.prober != nil {
		d.prober.Start(ctx)
	}
	for _, o := range d.outboxes {
		o.Start(ctx)
	}
}

// Close stops every outbox and releases shared resources.
func (d *daemon) Close() {
	if d.prober != nil {
		d.prober.Stop()
	}
	// no debounced trigger may fire into a closing outbox
	if d.monitor != nil {
		d.monitor.Close()
	}
	for name, o := range d.outboxes {
		if err := o.Close(); err != nil {
			logging.Warn("Failed to close outbox", map[string]interface{}{"namespace": name, "error": err.Error()})
		}
	}
	if d.hub != nil {
		d.hub.Close()
	}
	d.bus.Close()
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logging.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logging.Warn("Failed to close redis client", map[string]interface{}{"error": err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
