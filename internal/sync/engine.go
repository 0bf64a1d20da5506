// Package sync replays queued operations against the remote service.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox/queue"
	"github.com/kimhsiao/outbox/internal/sync/conflict"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SkipReason explains why SyncNow did not run a pass.
type SkipReason string

const (
	SkipOffline    SkipReason = "offline"
	SkipInProgress SkipReason = "in_progress"
	SkipEmpty      SkipReason = "empty"
)

const (
	DefaultBatchSize     = 5
	DefaultReplayTimeout = 30 * time.Second

	maxErrorHistory = 100
)

// EngineConfig holds engine configuration.
type EngineConfig struct {
	BatchSize     int           // Operations per pass (default: 5)
	ReplayTimeout time.Duration // Per-operation deadline (default: 30s)
	// Resolver handles 409 Conflict replies. Nil leaves them to the
	// transport's classification.
	Resolver *conflict.Resolver
	Now      func() time.Time
}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Processed int
	Succeeded int
	Retried   int
	Failed    int
	Conflicts int
	Skipped   SkipReason
	Error     string
}

// EngineStatus is a snapshot of engine state.
type EngineStatus struct {
	Status             SyncStatus
	IsOnline           bool
	IsProcessing       bool
	LastSyncAttempt    *time.Time
	LastSuccessfulSync *time.Time
	LastError          string
}

// SyncErrorEntry records one failed replay.
type SyncErrorEntry struct {
	OperationID string
	Endpoint    string
	Error       string
	Permanent   bool
	Timestamp   time.Time
}

// Engine drives replay passes for one namespace.
type Engine struct {
	queue    Queue
	replayer Replayer
	online   OnlineChecker
	cfg      EngineConfig
	tracer   trace.Tracer

	processing atomic.Bool
	background sync.WaitGroup

	// closeMu orders background.Add against Close.
	closeMu sync.Mutex
	closed  bool

	mu           sync.RWMutex
	status       SyncStatus
	lastAttempt  time.Time
	lastSuccess  time.Time
	lastErr      error
	errorHistory []SyncErrorEntry
}

// NewEngine creates a new Engine.
func NewEngine(q Queue, replayer Replayer, online OnlineChecker, cfg EngineConfig) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = DefaultReplayTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		queue:    q,
		replayer: replayer,
		online:   online,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/kimhsiao/outbox/internal/sync"),
		status:   SyncStatusIdle,
	}
}

// SyncNow runs one pass over at most BatchSize due operations, strictly in
// dequeue order. Replay failures are recorded on the operations; only store
// failures abort the pass and are returned.
func (e *Engine) SyncNow(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: e.cfg.Now()}

	if !e.online.IsOnline() {
		result.Skipped = SkipOffline
		return e.finish(result), nil
	}
	if !e.processing.CompareAndSwap(false, true) {
		result.Skipped = SkipInProgress
		return e.finish(result), nil
	}
	defer e.processing.Store(false)

	ns := e.queue.Namespace()
	ctx, span := e.tracer.Start(ctx, "Engine.SyncNow")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.namespace", ns))

	e.mu.Lock()
	e.lastAttempt = result.StartTime
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	batch, err := e.queue.DequeueBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		return e.abort(ctx, span, result, err)
	}
	if len(batch) == 0 {
		e.setIdle(nil)
		result.Skipped = SkipEmpty
		span.SetAttributes(attribute.String("outbox.skipped_reason", string(SkipEmpty)))
		return e.finish(result), nil
	}

	logging.Info("Sync pass started", map[string]interface{}{
		"namespace": ns,
		"batch":     len(batch),
	})
	e.queue.Record(ctx, events.EventSyncStarted, map[string]interface{}{"count": len(batch)})

	for _, op := range batch {
		if err := ctx.Err(); err != nil {
			return e.abort(ctx, span, result, err)
		}
		if err := e.replayOne(ctx, op, result); err != nil {
			return e.abort(ctx, span, result, err)
		}
	}

	now := e.cfg.Now()
	e.mu.Lock()
	e.lastSuccess = now
	e.status = SyncStatusIdle
	e.lastErr = nil
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.succeeded", result.Succeeded),
		attribute.Int("outbox.retried", result.Retried),
		attribute.Int("outbox.failed", result.Failed),
	)
	logging.Info("Sync pass completed", map[string]interface{}{
		"namespace": ns,
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"retried":   result.Retried,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	})
	e.queue.Record(ctx, events.EventSyncCompleted, map[string]interface{}{
		"count":     result.Processed,
		"succeeded": result.Succeeded,
		"retried":   result.Retried,
		"failed":    result.Failed,
	})
	return e.finish(result), nil
}

// replayOne replays op and records the outcome through the queue. The
// returned error is non-nil only when the queue could not record it.
func (e *Engine) replayOne(ctx context.Context, op *models.QueuedOperation, result *SyncResult) error {
	ctx, span := e.tracer.Start(ctx, "Engine.replay")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.operation_id", op.ID),
		attribute.String("outbox.kind", op.Kind),
		attribute.String("http.method", op.Method),
		attribute.String("outbox.endpoint", op.Endpoint),
		attribute.Int("outbox.retry_count", op.RetryCount),
	)

	replayCtx, cancel := context.WithTimeout(ctx, e.cfg.ReplayTimeout)
	replayErr := e.replayer.Replay(replayCtx, op)
	cancel()
	result.Processed++

	var err error
	serverBody, isConflict := conflictPayload(replayErr)
	switch {
	case isConflict && e.cfg.Resolver != nil:
		span.SetAttributes(attribute.Bool("outbox.conflict", true))
		result.Conflicts++
		err = e.resolveConflict(ctx, op, serverBody, replayErr, result)
	case replayErr == nil:
		err = e.queue.MarkCompleted(ctx, op.ID)
		if err == nil {
			result.Succeeded++
		}
	case apperrors.Is(replayErr, apperrors.ErrReplayPermanent):
		span.RecordError(replayErr)
		span.SetStatus(codes.Error, "permanent_failure")
		e.recordError(op, replayErr, true)
		err = e.queue.MarkPermanentFailure(ctx, op.ID, replayErr)
		if err == nil {
			result.Failed++
		}
	default:
		span.RecordError(replayErr)
		span.SetStatus(codes.Error, "transient_failure")
		e.recordError(op, replayErr, false)
		var decision queue.RetryDecision
		decision, err = e.queue.MarkFailedAttempt(ctx, op.ID, replayErr)
		if err == nil {
			if decision.Outcome == queue.NoMoreRetries {
				result.Failed++
			} else {
				result.Retried++
			}
		}
	}

	// The operation was cleared or finished elsewhere while in flight.
	if apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrInvalidTransition) {
		logging.Warn("Operation changed during replay, skipping", map[string]interface{}{
			"namespace":    e.queue.Namespace(),
			"operation_id": op.ID,
			"error":        err.Error(),
		})
		return nil
	}
	return err
}

// resolveConflict applies the resolver's decision: the server copy completes
// the operation, the local or merged copy is retried.
func (e *Engine) resolveConflict(ctx context.Context, op *models.QueuedOperation, serverBody []byte, replayErr error, result *SyncResult) error {
	resolution, err := e.cfg.Resolver.Resolve(&conflict.Conflict{
		OperationID:     op.ID,
		Local:           op.Body,
		Server:          json.RawMessage(serverBody),
		LocalTimestamp:  op.CreatedAt,
		ServerTimestamp: e.cfg.Now().UnixMilli(),
	})
	if err != nil {
		e.recordError(op, err, true)
		if err := e.queue.MarkPermanentFailure(ctx, op.ID, err); err != nil {
			return err
		}
		result.Failed++
		return nil
	}

	switch resolution.Winner {
	case conflict.SideServer:
		if err := e.queue.MarkCompleted(ctx, op.ID); err != nil {
			return err
		}
		result.Succeeded++
		return nil
	case conflict.SideMerged:
		if err := e.queue.Rewrite(ctx, op.ID, resolution.Payload); err != nil {
			return err
		}
	}

	e.recordError(op, replayErr, false)
	decision, err := e.queue.MarkFailedAttempt(ctx, op.ID, replayErr)
	if err != nil {
		return err
	}
	if decision.Outcome == queue.NoMoreRetries {
		result.Failed++
	} else {
		result.Retried++
	}
	return nil
}

type conflictError interface {
	ConflictPayload() ([]byte, bool)
}

func conflictPayload(err error) ([]byte, bool) {
	var ce conflictError
	if err != nil && errors.As(err, &ce) {
		return ce.ConflictPayload()
	}
	return nil, false
}

// abort ends a pass that hit an engine-level failure.
func (e *Engine) abort(ctx context.Context, span trace.Span, result *SyncResult, cause error) (*SyncResult, error) {
	err := apperrors.Wrap(apperrors.ErrSyncFailed, "sync pass aborted", cause)
	span.RecordError(err)
	span.SetStatus(codes.Error, "sync_aborted")
	e.setIdle(err)
	result.Error = err.Error()

	logging.ErrorWithCode("Sync pass aborted", string(apperrors.ErrSyncFailed), cause, map[string]interface{}{
		"namespace": e.queue.Namespace(),
		"processed": result.Processed,
	})
	e.queue.Record(context.WithoutCancel(ctx), events.EventSyncError, map[string]interface{}{
		"error":     cause.Error(),
		"processed": result.Processed,
	})
	return e.finish(result), err
}

func (e *Engine) setIdle(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
	if err != nil {
		e.status = SyncStatusFailed
		return
	}
	e.status = SyncStatusIdle
}

func (e *Engine) finish(result *SyncResult) *SyncResult {
	result.EndTime = e.cfg.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result
}

// TriggerSync starts SyncNow in the background.
// Returns false if the engine is closed, offline or a pass is already running.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	if !e.online.IsOnline() || e.processing.Load() {
		return false
	}

	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return false
	}
	e.background.Add(1)
	e.closeMu.Unlock()

	go func() {
		defer e.background.Done()
		if _, err := e.SyncNow(ctx); err != nil {
			logging.Debug("Triggered sync failed", map[string]interface{}{
				"namespace": e.queue.Namespace(),
				"error":     err.Error(),
			})
		}
	}()
	return true
}

// Wait blocks until passes started by TriggerSync have returned.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Close stops TriggerSync from starting passes and waits for running ones.
// SyncNow still works for callers that hold the engine.
func (e *Engine) Close() {
	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()
	e.background.Wait()
}

// Status returns the current engine state.
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := EngineStatus{
		Status:       e.status,
		IsOnline:     e.online.IsOnline(),
		IsProcessing: e.processing.Load(),
	}
	if !e.lastAttempt.IsZero() {
		t := e.lastAttempt
		status.LastSyncAttempt = &t
	}
	if !e.lastSuccess.IsZero() {
		t := e.lastSuccess
		status.LastSuccessfulSync = &t
	}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
	}
	return status
}

func (e *Engine) recordError(op *models.QueuedOperation, err error, permanent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = append(e.errorHistory, SyncErrorEntry{
		OperationID: op.ID,
		Endpoint:    op.Endpoint,
		Error:       err.Error(),
		Permanent:   permanent,
		Timestamp:   e.cfg.Now(),
	})
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}

// GetErrorHistory returns a copy of recent replay errors, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SyncErrorEntry, len(e.errorHistory))
	copy(out, e.errorHistory)
	return out
}
