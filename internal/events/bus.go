// Package events delivers outbox status changes to subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/outbox/internal/models"
)

// EventType identifies an outbox event.
type EventType string

const (
	// Queue events
	EventQueueStatsUpdated  EventType = "queue_stats_updated"
	EventItemAdded          EventType = "item_added"
	EventItemCompleted      EventType = "item_completed"
	EventItemFailed         EventType = "item_failed"
	EventItemRetryScheduled EventType = "item_retry_scheduled"
	EventFailedItemsRetried EventType = "failed_items_retried"
	EventQueueCleared       EventType = "queue_cleared"
	EventItemsCleanedUp     EventType = "items_cleaned_up"

	// Sync events
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncError     EventType = "sync_error"

	// Connectivity events
	EventConnectivityChanged EventType = "connectivity_changed"
)

// Event is one status change. Stats, when set, is the namespace snapshot taken
// right after the change.
type Event struct {
	Type      EventType              `json:"type"`
	Namespace string                 `json:"namespace,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Stats     *models.QueueStats     `json:"stats,omitempty"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	types map[EventType]bool
	bus   *Bus
	once  sync.Once
}

// Subscribe registers a subscriber with the given buffer. With no types, every
// event is delivered.
func (b *Bus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		s.once.Do(func() {})
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
