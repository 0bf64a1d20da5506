package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/outbox/internal/logging"
)

const DefaultProbeInterval = 30 * time.Second

// Pinger checks that the remote service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically pings the remote service and feeds the result into a
// Monitor.
type Prober struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewProber creates a Prober. A zero interval uses DefaultProbeInterval.
func NewProber(m *Monitor, p Pinger, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Prober{monitor: m, pinger: p, interval: interval, timeout: timeout}
}

// Check runs one probe and updates the monitor. Returns the observed state.
func (p *Prober) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		// the caller is going away; a failed ping says nothing about the remote
		return p.monitor.IsOnline()
	}
	online := err == nil
	if err != nil && p.monitor.IsOnline() {
		logging.Warn("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	p.monitor.SetOnline(online)
	return online
}

// Start begins probing in the background.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
	logging.Info("Connectivity prober started", map[string]interface{}{"interval": p.interval.String()})
}

// Stop stops probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// IsRunning returns whether the prober is running.
func (p *Prober) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}
