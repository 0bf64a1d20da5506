// Package connectivity tracks online/offline, visibility and focus signals
// and turns the relevant transitions into sync triggers.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/logging"
)

// Trigger asks an engine to start a pass. It must not block.
type Trigger func(ctx context.Context) bool

// Options configures a Monitor.
type Options struct {
	StartOnline bool
	// OnlineDebounce delays the sync trigger after an offline→online
	// transition. Zero triggers immediately.
	OnlineDebounce time.Duration
	Publisher      events.Publisher
}

type registeredTrigger struct {
	id int
	fn Trigger
}

// Monitor holds the connectivity state shared by every engine.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	visible   bool
	debounce  time.Duration
	pending   *time.Timer
	triggers  []registeredTrigger
	nextID    int
	listeners []func(online bool)
	publisher events.Publisher
}

// NewMonitor creates a Monitor. The page is assumed visible.
func NewMonitor(opts Options) *Monitor {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Discard
	}
	return &Monitor{
		online:    opts.StartOnline,
		visible:   true,
		debounce:  opts.OnlineDebounce,
		publisher: publisher,
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// IsVisible reports the last visibility signal.
func (m *Monitor) IsVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// AddTrigger registers a sync trigger and returns a func that removes it.
func (m *Monitor) AddTrigger(t Trigger) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.triggers = append(m.triggers, registeredTrigger{id: id, fn: t})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, rt := range m.triggers {
			if rt.id == id {
				m.triggers = append(m.triggers[:i:i], m.triggers[i+1:]...)
				return
			}
		}
	}
}

// OnChange registers a listener for online/offline transitions.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetOnline records a connectivity signal. Repeating the current state is
// ignored.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.stopPending()
	immediate := false
	if online {
		if m.debounce > 0 {
			m.pending = time.AfterFunc(m.debounce, m.fireIfOnline)
		} else {
			immediate = true
		}
	}
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, fn := range listeners {
		fn(online)
	}
	m.publisher.Publish(events.Event{
		Type: events.EventConnectivityChanged,
		Data: map[string]interface{}{"online": online},
	})
	if immediate {
		m.fire()
	}
}

// SetVisible records a visibility signal. Becoming visible while online
// triggers a sync.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	was := m.visible
	m.visible = visible
	online := m.online
	m.mu.Unlock()

	if visible && !was && online {
		m.fire()
	}
}

// Focus records a focus signal. Triggers a sync when online.
func (m *Monitor) Focus() {
	if m.IsOnline() {
		m.fire()
	}
}

// Close cancels a pending debounced trigger.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.stopPending()
	m.mu.Unlock()
}

// stopPending cancels the debounce timer. Caller holds mu.
func (m *Monitor) stopPending() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Monitor) fireIfOnline() {
	m.mu.Lock()
	m.pending = nil
	online := m.online
	m.mu.Unlock()
	if online {
		m.fire()
	}
}

func (m *Monitor) fire() {
	m.mu.Lock()
	triggers := append([]registeredTrigger{}, m.triggers...)
	m.mu.Unlock()

	started := 0
	for _, t := range triggers {
		if t.fn(context.Background()) {
			started++
		}
	}
	logging.Debug("Sync triggered by connectivity", map[string]interface{}{
		"triggers": len(triggers),
		"started":  started,
	})
}
