// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox/queue"
)

// Queue is the part of the queue manager the engine drives. All state
// changes go through it; the engine never touches the store.
type Queue interface {
	Namespace() string
	DequeueBatch(ctx context.Context, limit int) ([]*models.QueuedOperation, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailedAttempt(ctx context.Context, id string, cause error) (queue.RetryDecision, error)
	MarkPermanentFailure(ctx context.Context, id string, cause error) error
	Rewrite(ctx context.Context, id string, body json.RawMessage) error
	Stats(ctx context.Context) (models.QueueStats, error)
	Record(ctx context.Context, eventType events.EventType, data map[string]interface{})
}

// Replayer sends one operation to the remote service. Errors coded
// REPLAY_PERMANENT fail the operation immediately; any other error counts
// as a transient failed attempt.
type Replayer interface {
	Replay(ctx context.Context, op *models.QueuedOperation) error
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// SyncNow runs one replay pass and waits for it. It is a no-op when
	// offline, already syncing or when nothing is due.
	SyncNow(ctx context.Context) (*SyncResult, error)

	// TriggerSync starts a pass in the background.
	// Returns false if the pass would be a no-op.
	TriggerSync(ctx context.Context) bool

	// Status returns a snapshot of engine state.
	Status() EngineStatus
}
