// Package queue owns the lifecycle of queued operations: admission with
// validation and duplicate suppression, ordered batch selection, and the
// completed / retry-scheduled / failed transitions.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox/store"
	"github.com/kimhsiao/outbox/internal/outbox/validate"
	"github.com/kimhsiao/outbox/internal/uuid"
)

const (
	DefaultMaxQueueSize = 1000
	DefaultMaxRetries   = 5
	DefaultRetention    = 7 * 24 * time.Hour
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	Namespace          string
	MaxQueueSize       int
	DefaultMaxRetries  int
	Backoff            Backoff
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	Validator          *validate.Validator
	Routes             RouteResolver
	Publisher          events.Publisher
	Now                func() time.Time
}

// RetryOutcome is the result of recording a failed attempt.
type RetryOutcome string

const (
	RetryScheduled RetryOutcome = "retry_scheduled"
	NoMoreRetries  RetryOutcome = "no_more_retries"
)

// RetryDecision reports what MarkFailedAttempt did.
type RetryDecision struct {
	Outcome     RetryOutcome
	RetryCount  int
	NextRetryAt int64
}

// Manager is the only writer of a namespace's store. Mutations are
// serialized; reads go straight to the store.
type Manager struct {
	store store.Store
	opts  Options

	mu sync.Mutex
}

// NewManager creates a Manager over s.
func NewManager(s store.Store, opts Options) *Manager {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = DefaultMaxRetries
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = DefaultRetention
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = DefaultRetention
	}
	if opts.Validator == nil {
		opts.Validator = validate.New()
	}
	if opts.Routes == nil {
		opts.Routes = RouteMap{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: s, opts: opts}
}

// Namespace returns the namespace this manager owns.
func (m *Manager) Namespace() string {
	return m.opts.Namespace
}

// Enqueue validates req, suppresses duplicates and persists it as pending.
func (m *Manager) Enqueue(ctx context.Context, req models.OperationRequest) (*models.QueuedOperation, error) {
	if err := m.opts.Validator.Validate(&req); err != nil {
		return nil, err
	}

	target, method, err := m.resolve(req)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		scope := req.Kind
		if scope == "" {
			scope = method + " " + target
		}
		if key, err = validate.ComputeIdempotencyKey(scope, req.Body); err != nil {
			return nil, err
		}
	}

	priority, _ := models.ParsePriority(req.Priority)
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.opts.DefaultMaxRetries
	}

	m.mu.Lock()
	op, err := m.admit(ctx, key, func(now int64) *models.QueuedOperation {
		return &models.QueuedOperation{
			ID:             uuid.NewOperationID(time.UnixMilli(now)),
			Namespace:      m.opts.Namespace,
			IdempotencyKey: key,
			Kind:           req.Kind,
			Endpoint:       validate.ExtractEndpoint(target),
			URL:            target,
			Method:         method,
			Headers:        toStringMap(req.Headers),
			Body:           append(json.RawMessage(nil), req.Body...),
			Metadata:       toStringMap(req.Metadata),
			Context:        toStringMap(req.Context),
			Priority:       priority,
			Status:         models.StatusPending,
			MaxRetries:     maxRetries,
			CreatedAt:      now,
			UpdatedAt:      now,
			NextRetryAt:    now,
		}
	})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logging.Info("Operation enqueued", map[string]interface{}{
		"namespace":    m.opts.Namespace,
		"operation_id": op.ID,
		"kind":         op.Kind,
		"endpoint":     op.Endpoint,
		"priority":     string(op.Priority),
	})
	m.Record(ctx, events.EventItemAdded, map[string]interface{}{
		"id":       op.ID,
		"kind":     op.Kind,
		"endpoint": op.Endpoint,
		"priority": string(op.Priority),
	})
	return op, nil
}

// admit runs the duplicate and capacity checks and inserts the operation. Caller holds mu.
func (m *Manager) admit(ctx context.Context, key string, build func(now int64) *models.QueuedOperation) (*models.QueuedOperation, error) {
	existing, err := m.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, op := range existing {
		// completed and failed siblings do not block resubmission
		if op.Status == models.StatusPending {
			return nil, apperrors.Newf(apperrors.ErrDuplicate, "operation already queued as %s", op.ID)
		}
	}

	if err := m.ensureCapacity(ctx); err != nil {
		return nil, err
	}

	op := build(m.opts.Now().UnixMilli())
	if err := m.store.Insert(ctx, op); err != nil {
		return nil, err
	}
	return op.Clone(), nil
}

// ensureCapacity evicts the oldest completed operations when the namespace is
// full, and fails with QUEUE_FULL when nothing can be evicted. Caller holds mu.
func (m *Manager) ensureCapacity(ctx context.Context) error {
	all, err := m.store.List(ctx, "")
	if err != nil {
		return err
	}
	excess := len(all) - m.opts.MaxQueueSize + 1
	if excess <= 0 {
		return nil
	}

	var completed []*models.QueuedOperation
	for _, op := range all {
		if op.Status == models.StatusCompleted {
			completed = append(completed, op)
		}
	}
	if len(completed) < excess {
		return apperrors.Newf(apperrors.ErrQueueFull, "queue is full (max size: %d)", m.opts.MaxQueueSize)
	}

	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].CompletedAt < completed[j].CompletedAt
	})
	ids := make([]string, excess)
	for i := range ids {
		ids[i] = completed[i].ID
	}
	if _, err := m.store.Delete(ctx, ids...); err != nil {
		return err
	}
	logging.Debug("Evicted completed operations to make room", map[string]interface{}{
		"namespace": m.opts.Namespace,
		"count":     excess,
	})
	return nil
}

// resolve returns the target URL and method for req.
func (m *Manager) resolve(req models.OperationRequest) (string, string, error) {
	target, method := req.URL, strings.ToUpper(req.Method)
	if target == "" {
		route, ok := m.opts.Routes.Resolve(req.Kind)
		if !ok {
			return "", "", apperrors.Newf(apperrors.ErrUnknownOperation, "no route for operation kind %q", req.Kind)
		}
		target = route.URL
		if method == "" {
			method = strings.ToUpper(route.Method)
		}
	}
	if method == "" {
		method = "POST"
	}
	return target, method, nil
}

// DequeueBatch returns up to limit due pending operations ordered by priority
// (critical first), then creation time. It does not change any state.
func (m *Manager) DequeueBatch(ctx context.Context, limit int) ([]*models.QueuedOperation, error) {
	pending, err := m.store.List(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}
	now := m.opts.Now()
	due := pending[:0]
	for _, op := range pending {
		if op.Due(now) {
			due = append(due, op)
		}
	}
	SortForReplay(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// SortForReplay orders operations by priority rank, then CreatedAt, then ID.
func SortForReplay(ops []*models.QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		ri, rj := ops[i].Priority.Rank(), ops[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		if ops[i].CreatedAt != ops[j].CreatedAt {
			return ops[i].CreatedAt < ops[j].CreatedAt
		}
		return ops[i].ID < ops[j].ID
	})
}

// transition loads a pending operation, applies fn and saves it.
func (m *Manager) transition(ctx context.Context, id string, fn func(op *models.QueuedOperation, now int64)) (*models.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status.IsTerminal() {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "operation %s is already %s", id, op.Status)
	}
	now := m.opts.Now().UnixMilli()
	fn(op, now)
	op.UpdatedAt = now
	if err := m.store.Update(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// MarkCompleted moves a pending operation to completed.
func (m *Manager) MarkCompleted(ctx context.Context, id string) error {
	op, err := m.transition(ctx, id, func(op *models.QueuedOperation, now int64) {
		op.Status = models.StatusCompleted
		op.CompletedAt = now
		op.LastError = ""
	})
	if err != nil {
		return err
	}

	logging.Info("Operation replayed", map[string]interface{}{
		"namespace":    m.opts.Namespace,
		"operation_id": op.ID,
		"attempts":     op.RetryCount + 1,
	})
	m.Record(ctx, events.EventItemCompleted, map[string]interface{}{
		"id":   op.ID,
		"kind": op.Kind,
	})
	return nil
}

// MarkFailedAttempt records a failed replay. The operation becomes failed
// once RetryCount reaches MaxRetries; otherwise its next attempt is delayed
// by the backoff table.
func (m *Manager) MarkFailedAttempt(ctx context.Context, id string, cause error) (RetryDecision, error) {
	var decision RetryDecision
	op, err := m.transition(ctx, id, func(op *models.QueuedOperation, now int64) {
		op.RetryCount++
		op.LastRetryAt = now
		op.LastError = errorText(cause)
		decision.RetryCount = op.RetryCount

		if op.RetryCount >= op.MaxRetries {
			op.Status = models.StatusFailed
			op.FailedAt = now
			decision.Outcome = NoMoreRetries
			return
		}
		op.NextRetryAt = now + m.opts.Backoff.Delay(op.RetryCount).Milliseconds()
		decision.Outcome = RetryScheduled
		decision.NextRetryAt = op.NextRetryAt
	})
	if err != nil {
		return RetryDecision{}, err
	}

	if decision.Outcome == NoMoreRetries {
		logging.ErrorWithCode("Operation failed permanently", string(apperrors.ErrRetriesExhausted), cause, map[string]interface{}{
			"namespace":    m.opts.Namespace,
			"operation_id": op.ID,
			"retry_count":  op.RetryCount,
			"max_retries":  op.MaxRetries,
		})
		m.Record(ctx, events.EventItemFailed, map[string]interface{}{
			"id":          op.ID,
			"kind":        op.Kind,
			"retry_count": op.RetryCount,
			"error":       op.LastError,
		})
		return decision, nil
	}

	logging.Warn("Operation replay failed, retry scheduled", map[string]interface{}{
		"namespace":     m.opts.Namespace,
		"operation_id":  op.ID,
		"retry_count":   op.RetryCount,
		"max_retries":   op.MaxRetries,
		"next_retry_at": op.NextRetryAt,
		"error":         op.LastError,
	})
	m.Record(ctx, events.EventItemRetryScheduled, map[string]interface{}{
		"id":            op.ID,
		"kind":          op.Kind,
		"retry_count":   op.RetryCount,
		"next_retry_at": op.NextRetryAt,
		"error":         op.LastError,
	})
	return decision, nil
}

// MarkPermanentFailure records one attempt and fails the operation regardless
// of remaining retries.
func (m *Manager) MarkPermanentFailure(ctx context.Context, id string, cause error) error {
	op, err := m.transition(ctx, id, func(op *models.QueuedOperation, now int64) {
		op.RetryCount++
		op.LastRetryAt = now
		op.LastError = errorText(cause)
		op.Status = models.StatusFailed
		op.FailedAt = now
	})
	if err != nil {
		return err
	}

	logging.ErrorWithCode("Operation rejected by remote", string(apperrors.ErrReplayPermanent), cause, map[string]interface{}{
		"namespace":    m.opts.Namespace,
		"operation_id": op.ID,
	})
	m.Record(ctx, events.EventItemFailed, map[string]interface{}{
		"id":          op.ID,
		"kind":        op.Kind,
		"retry_count": op.RetryCount,
		"error":       op.LastError,
		"permanent":   true,
	})
	return nil
}

// Rewrite replaces the body of a pending operation. The idempotency key is
// kept so the remote service still sees the same intent.
func (m *Manager) Rewrite(ctx context.Context, id string, body json.RawMessage) error {
	_, err := m.transition(ctx, id, func(op *models.QueuedOperation, now int64) {
		op.Body = append(json.RawMessage(nil), body...)
	})
	if err != nil {
		return err
	}
	logging.Debug("Operation body rewritten", map[string]interface{}{
		"namespace":    m.opts.Namespace,
		"operation_id": id,
	})
	return nil
}

// RetryFailed resets every failed operation to pending with a fresh retry
// budget and returns how many were reset.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	failed, err := m.store.List(ctx, models.StatusFailed)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	now := m.opts.Now().UnixMilli()
	count := 0
	for _, op := range failed {
		op.Status = models.StatusPending
		op.RetryCount = 0
		op.NextRetryAt = now
		op.LastError = ""
		op.FailedAt = 0
		op.UpdatedAt = now
		if err := m.store.Update(ctx, op); err != nil {
			m.mu.Unlock()
			return count, err
		}
		count++
	}
	m.mu.Unlock()

	if count > 0 {
		logging.Info("Reset failed operations for retry", map[string]interface{}{
			"namespace": m.opts.Namespace,
			"count":     count,
		})
		m.Record(ctx, events.EventFailedItemsRetried, map[string]interface{}{"count": count})
	}
	return count, nil
}

// Clear removes every operation in the namespace, whatever its status.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	n, err := m.store.Clear(ctx)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	logging.Info("Queue cleared", map[string]interface{}{
		"namespace": m.opts.Namespace,
		"count":     n,
	})
	m.Record(ctx, events.EventQueueCleared, map[string]interface{}{"count": n})
	return n, nil
}

// Cleanup removes completed and failed operations older than their retention.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	all, err := m.store.List(ctx, "")
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	now := m.opts.Now()
	completedCutoff := now.Add(-m.opts.CompletedRetention).UnixMilli()
	failedCutoff := now.Add(-m.opts.FailedRetention).UnixMilli()

	var ids []string
	for _, op := range all {
		switch {
		case op.Status == models.StatusCompleted && op.CompletedAt < completedCutoff:
			ids = append(ids, op.ID)
		case op.Status == models.StatusFailed && op.FailedAt < failedCutoff:
			ids = append(ids, op.ID)
		}
	}
	n, err := m.store.Delete(ctx, ids...)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		logging.Info("Removed expired operations", map[string]interface{}{
			"namespace": m.opts.Namespace,
			"count":     n,
		})
		m.Record(ctx, events.EventItemsCleanedUp, map[string]interface{}{"count": n})
	}
	return n, nil
}

// RestoreStore moves operations written to a degraded store back to its
// primary backend. Stores without a fallback are left alone.
func (m *Manager) RestoreStore(ctx context.Context) error {
	r, ok := m.store.(store.Recoverer)
	if !ok {
		return nil
	}
	m.mu.Lock()
	_, err := r.Recover(ctx)
	m.mu.Unlock()
	if err != nil {
		logging.Warn("Primary store still unavailable", map[string]interface{}{
			"namespace": m.opts.Namespace,
			"error":     err.Error(),
		})
	}
	return err
}

// Stats counts the namespace's operations by status.
func (m *Manager) Stats(ctx context.Context) (models.QueueStats, error) {
	all, err := m.store.List(ctx, "")
	if err != nil {
		return models.QueueStats{}, err
	}
	var stats models.QueueStats
	for _, op := range all {
		stats.Add(op.Status)
	}
	return stats, nil
}

// Get returns one operation.
func (m *Manager) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	return m.store.Get(ctx, id)
}

// List returns operations with the given status ("" for all), oldest first.
func (m *Manager) List(ctx context.Context, status models.OperationStatus) ([]*models.QueuedOperation, error) {
	return m.store.List(ctx, status)
}

// RecentLogs returns up to limit sync log entries, newest first.
func (m *Manager) RecentLogs(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	return m.store.RecentLogs(ctx, limit)
}

// Record appends a sync log entry with a fresh stats snapshot and publishes
// the event followed by queue_stats_updated. Failures are logged, not returned.
func (m *Manager) Record(ctx context.Context, eventType events.EventType, data map[string]interface{}) {
	stats, err := m.Stats(ctx)
	if err != nil {
		logging.Warn("Failed to compute queue stats", map[string]interface{}{
			"namespace": m.opts.Namespace,
			"error":     err.Error(),
		})
	}
	now := m.opts.Now().UnixMilli()

	entry := &models.SyncLogEntry{
		ID:        uuid.New(),
		Namespace: m.opts.Namespace,
		EventType: string(eventType),
		Timestamp: now,
		Stats:     stats,
	}
	if len(data) > 0 {
		if raw, err := json.Marshal(data); err == nil {
			entry.Data = raw
		}
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		logging.Warn("Failed to append sync log", map[string]interface{}{
			"namespace":  m.opts.Namespace,
			"event_type": string(eventType),
			"error":      err.Error(),
		})
	}

	m.opts.Publisher.Publish(events.Event{
		Type:      eventType,
		Namespace: m.opts.Namespace,
		Timestamp: now,
		Data:      data,
		Stats:     &stats,
	})
	if eventType != events.EventQueueStatsUpdated {
		snapshot := stats
		m.opts.Publisher.Publish(events.Event{
			Type:      events.EventQueueStatsUpdated,
			Namespace: m.opts.Namespace,
			Timestamp: now,
			Stats:     &snapshot,
		})
	}
}

func toStringMap(m map[string]string) models.StringMap {
	if len(m) == 0 {
		return nil
	}
	out := make(models.StringMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
