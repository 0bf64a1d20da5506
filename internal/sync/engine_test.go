// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox/queue"
	"github.com/kimhsiao/outbox/internal/outbox/store"
	"github.com/kimhsiao/outbox/internal/sync/conflict"
)

// =====================================================
// Test Helpers
// =====================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticOnline struct{ online atomic.Bool }

func newOnline(v bool) *staticOnline {
	s := &staticOnline{}
	s.online.Store(v)
	return s
}

func (s *staticOnline) IsOnline() bool { return s.online.Load() }

// fakeReplayer returns queued results per endpoint and records call order.
type fakeReplayer struct {
	mu      sync.Mutex
	calls   []string
	results map[string]error
	block   chan struct{}
	started chan struct{}
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{results: make(map[string]error)}
}

func (r *fakeReplayer) Replay(ctx context.Context, op *models.QueuedOperation) error {
	r.mu.Lock()
	r.calls = append(r.calls, op.Endpoint)
	err := r.results[op.Endpoint]
	block, started := r.block, r.started
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return err
}

func (r *fakeReplayer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type harness struct {
	manager  *queue.Manager
	engine   *Engine
	replayer *fakeReplayer
	online   *staticOnline
	clock    *testClock
	bus      *events.Bus
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	m := queue.NewManager(store.NewMemory(), queue.Options{
		Namespace: "generic",
		Publisher: bus,
		Now:       clock.Now,
	})
	r := newFakeReplayer()
	online := newOnline(true)
	e := NewEngine(m, r, online, EngineConfig{BatchSize: batchSize, Now: clock.Now})
	return &harness{manager: m, engine: e, replayer: r, online: online, clock: clock, bus: bus}
}

func (h *harness) enqueue(t *testing.T, endpoint, priority string, maxRetries int) *models.QueuedOperation {
	t.Helper()
	op, err := h.manager.Enqueue(context.Background(), models.OperationRequest{
		URL:        endpoint,
		Method:     "POST",
		Body:       json.RawMessage(`{"sku":"X","qty":2}`),
		Priority:   priority,
		MaxRetries: maxRetries,
	})
	if err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", endpoint, err)
	}
	h.clock.Advance(time.Millisecond)
	return op
}

func transient(msg string) error {
	return apperrors.Wrap(apperrors.ErrReplayTransient, "replay", errors.New(msg))
}

// =====================================================
// NewEngine Tests
// =====================================================

// TestNewEngine verifies engine creation and defaults.
func TestNewEngine(t *testing.T) {
	engine := NewEngine(nil, nil, newOnline(false), EngineConfig{})

	if engine.cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", engine.cfg.BatchSize, DefaultBatchSize)
	}
	if engine.cfg.ReplayTimeout != DefaultReplayTimeout {
		t.Errorf("ReplayTimeout = %v, want %v", engine.cfg.ReplayTimeout, DefaultReplayTimeout)
	}

	status := engine.Status()
	if status.Status != SyncStatusIdle {
		t.Errorf("status = %v, want SyncStatusIdle", status.Status)
	}
	if status.LastSyncAttempt != nil || status.LastSuccessfulSync != nil {
		t.Error("timestamps should be nil initially")
	}
	if status.IsOnline || status.IsProcessing {
		t.Errorf("unexpected flags: %+v", status)
	}
}

// =====================================================
// SyncNow Tests
// =====================================================

// TestSyncNow_offline verifies the pass is skipped while offline.
func TestSyncNow_offline(t *testing.T) {
	h := newHarness(t, 5)
	h.enqueue(t, "/sale", "", 0)
	h.online.online.Store(false)

	result, err := h.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Skipped != SkipOffline {
		t.Errorf("Skipped = %q, want offline", result.Skipped)
	}
	if len(h.replayer.Calls()) != 0 {
		t.Error("no replay should happen offline")
	}
	if h.engine.Status().LastSyncAttempt != nil {
		t.Error("an offline skip is not an attempt")
	}
}

// TestSyncNow_empty verifies an empty queue is a no-op.
func TestSyncNow_empty(t *testing.T) {
	h := newHarness(t, 5)

	result, err := h.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Skipped != SkipEmpty {
		t.Errorf("Skipped = %q, want empty", result.Skipped)
	}
	if h.engine.Status().IsProcessing {
		t.Error("guard should be cleared")
	}
}

// TestSyncNow_replaysAfterReconnect verifies an offline enqueue is replayed once online.
func TestSyncNow_replaysAfterReconnect(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	h.online.online.Store(false)

	h.enqueue(t, "/sale", "high", 0)
	stats, _ := h.manager.Stats(ctx)
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1", stats.Pending)
	}

	h.online.online.Store(true)
	result, err := h.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Processed != 1 || result.Succeeded != 1 {
		t.Errorf("result = %+v, want 1 processed and succeeded", result)
	}

	stats, _ = h.manager.Stats(ctx)
	if stats.Completed != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v, want completed=1 pending=0", stats)
	}
	status := h.engine.Status()
	if status.LastSuccessfulSync == nil || status.LastSyncAttempt == nil {
		t.Error("pass timestamps should be stamped")
	}
}

// TestSyncNow_order verifies items are replayed in priority then FIFO order.
func TestSyncNow_order(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, "/low", "low", 0)
	h.enqueue(t, "/critical", "critical", 0)
	h.enqueue(t, "/normal-a", "normal", 0)
	h.enqueue(t, "/high", "high", 0)
	h.enqueue(t, "/normal-b", "normal", 0)

	if _, err := h.engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}

	want := []string{"/critical", "/high", "/normal-a", "/normal-b", "/low"}
	got := h.replayer.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestSyncNow_batchHonorsPriority verifies the batch bound honors priority.
func TestSyncNow_batchHonorsPriority(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.enqueue(t, "/critical", "critical", 0)
	h.enqueue(t, "/normal", "normal", 0)
	h.enqueue(t, "/low", "low", 0)

	if _, err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	got := h.replayer.Calls()
	if len(got) != 2 || got[0] != "/critical" || got[1] != "/normal" {
		t.Fatalf("first pass = %v, want [/critical /normal]", got)
	}

	h.engine.SyncNow(ctx)
	got = h.replayer.Calls()
	if len(got) != 3 || got[2] != "/low" {
		t.Errorf("second pass should replay /low, calls = %v", got)
	}
}

// TestSyncNow_transientFailureContinues verifies a failed item does not stall the batch.
func TestSyncNow_transientFailureContinues(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	first := h.enqueue(t, "/first", "high", 0)
	second := h.enqueue(t, "/second", "normal", 0)
	h.replayer.results["/first"] = transient("http 503")

	result, err := h.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Retried != 1 || result.Succeeded != 1 {
		t.Errorf("result = %+v, want 1 retried 1 succeeded", result)
	}

	op, _ := h.manager.Get(ctx, first.ID)
	if op.Status != models.StatusPending || op.RetryCount != 1 {
		t.Errorf("first = %s retry=%d, want pending retry=1", op.Status, op.RetryCount)
	}
	if op.NextRetryAt <= h.clock.Now().UnixMilli() {
		t.Error("first should be scheduled in the future")
	}
	op, _ = h.manager.Get(ctx, second.ID)
	if op.Status != models.StatusCompleted {
		t.Errorf("second = %s, want completed", op.Status)
	}

	// not due yet
	result, _ = h.engine.SyncNow(ctx)
	if result.Skipped != SkipEmpty {
		t.Errorf("Skipped = %q, want empty while backing off", result.Skipped)
	}
}

// TestSyncNow_permanentFailure verifies permanent errors fail the item at once.
func TestSyncNow_permanentFailure(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	op := h.enqueue(t, "/sale", "", 5)
	h.replayer.results["/sale"] = apperrors.New(apperrors.ErrReplayPermanent, "http 422")

	result, err := h.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	got, _ := h.manager.Get(ctx, op.ID)
	if got.Status != models.StatusFailed || got.RetryCount != 1 {
		t.Errorf("op = %s retry=%d, want failed retry=1", got.Status, got.RetryCount)
	}

	history := h.engine.GetErrorHistory()
	if len(history) != 1 || !history[0].Permanent || history[0].OperationID != op.ID {
		t.Errorf("history = %+v", history)
	}
}

// TestSyncNow_retryExhaustion verifies exhaustion after exactly maxRetries attempts and manual retry.
func TestSyncNow_retryExhaustion(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	op := h.enqueue(t, "/sale", "", 3)
	h.replayer.results["/sale"] = transient("network down")

	for attempt := 1; attempt <= 5; attempt++ {
		h.engine.SyncNow(ctx)
		h.clock.Advance(time.Hour)
	}

	if calls := len(h.replayer.Calls()); calls != 3 {
		t.Fatalf("replay attempts = %d, want exactly 3", calls)
	}
	got, _ := h.manager.Get(ctx, op.ID)
	if got.Status != models.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("op = %s retry=%d, want failed retry=3", got.Status, got.RetryCount)
	}

	n, err := h.manager.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed() = %d, %v", n, err)
	}
	got, _ = h.manager.Get(ctx, op.ID)
	if got.Status != models.StatusPending || got.RetryCount != 0 {
		t.Errorf("op = %s retry=%d, want pending retry=0", got.Status, got.RetryCount)
	}

	delete(h.replayer.results, "/sale")
	result, _ := h.engine.SyncNow(ctx)
	if result.Succeeded != 1 {
		t.Errorf("retried item should replay, result = %+v", result)
	}
}

// TestSyncNow_notReentrant verifies a concurrent call is a no-op.
func TestSyncNow_notReentrant(t *testing.T) {
	h := newHarness(t, 5)
	h.enqueue(t, "/sale", "", 0)
	h.replayer.block = make(chan struct{})
	h.replayer.started = make(chan struct{}, 1)

	done := make(chan *SyncResult)
	go func() {
		result, _ := h.engine.SyncNow(context.Background())
		done <- result
	}()
	<-h.replayer.started

	if !h.engine.Status().IsProcessing {
		t.Error("IsProcessing should be true during a pass")
	}
	second, err := h.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second SyncNow() error = %v", err)
	}
	if second.Skipped != SkipInProgress {
		t.Errorf("Skipped = %q, want in_progress", second.Skipped)
	}
	if h.engine.TriggerSync(context.Background()) {
		t.Error("TriggerSync should refuse while a pass runs")
	}

	close(h.replayer.block)
	first := <-done
	if first.Processed != 1 {
		t.Errorf("first pass processed %d, want 1", first.Processed)
	}
	if calls := len(h.replayer.Calls()); calls != 1 {
		t.Errorf("replay calls = %d, want 1", calls)
	}
}

// failingQueue wraps a manager and fails DequeueBatch.
type failingQueue struct {
	*queue.Manager
}

func (failingQueue) DequeueBatch(context.Context, int) ([]*models.QueuedOperation, error) {
	return nil, apperrors.New(apperrors.ErrStorage, "database is locked")
}

// TestSyncNow_storeErrorAborts verifies store failures abort the pass and clear the guard.
func TestSyncNow_storeErrorAborts(t *testing.T) {
	h := newHarness(t, 5)
	sub := h.bus.Subscribe(16, events.EventSyncError)
	engine := NewEngine(failingQueue{h.manager}, h.replayer, h.online, EngineConfig{Now: h.clock.Now})

	_, err := engine.SyncNow(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncFailed) || !apperrors.Is(err, apperrors.ErrStorage) {
		t.Fatalf("SyncNow() error = %v, want SYNC_FAILED wrapping STORAGE_ERROR", err)
	}

	status := engine.Status()
	if status.IsProcessing {
		t.Error("guard should be cleared after abort")
	}
	if status.Status != SyncStatusFailed || status.LastError == "" {
		t.Errorf("status = %+v, want failed with error", status)
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventSyncError {
			t.Errorf("event = %s, want sync_error", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("sync_error was not published")
	}
}

// TestSyncNow_events verifies the published event sequence.
func TestSyncNow_events(t *testing.T) {
	h := newHarness(t, 5)
	h.enqueue(t, "/sale", "", 0)
	sub := h.bus.Subscribe(16, events.EventSyncStarted, events.EventItemCompleted, events.EventSyncCompleted)

	if _, err := h.engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}

	want := []events.EventType{events.EventSyncStarted, events.EventItemCompleted, events.EventSyncCompleted}
	for _, w := range want {
		select {
		case e := <-sub.C:
			if e.Type != w {
				t.Errorf("event = %s, want %s", e.Type, w)
			}
			if e.Type == events.EventSyncCompleted && e.Data["count"] != 1 {
				t.Errorf("sync_completed count = %v, want 1", e.Data["count"])
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %s", w)
		}
	}
}

// =====================================================
// TriggerSync Tests
// =====================================================

// TestTriggerSync verifies the background pass runs and can be awaited.
func TestTriggerSync(t *testing.T) {
	h := newHarness(t, 5)
	h.enqueue(t, "/sale", "", 0)

	if !h.engine.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync() = false, want true")
	}
	h.engine.Wait()

	stats, _ := h.manager.Stats(context.Background())
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}

	h.online.online.Store(false)
	if h.engine.TriggerSync(context.Background()) {
		t.Error("TriggerSync() should refuse while offline")
	}
}

// TestTriggerSync_afterClose verifies a closed engine starts no background pass.
func TestTriggerSync_afterClose(t *testing.T) {
	h := newHarness(t, 5)
	h.enqueue(t, "/sale", "", 0)

	h.engine.Close()
	if h.engine.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync() should refuse after Close")
	}
	h.engine.Wait()
	if calls := h.replayer.Calls(); len(calls) != 0 {
		t.Errorf("replayed %v after Close", calls)
	}

	// Close is idempotent
	h.engine.Close()
}

// TestGetErrorHistory verifies history is copied and bounded.
func TestGetErrorHistory(t *testing.T) {
	engine := NewEngine(nil, nil, newOnline(true), EngineConfig{})
	op := &models.QueuedOperation{ID: "op_1", Endpoint: "/x"}

	for i := 0; i < maxErrorHistory+10; i++ {
		engine.recordError(op, errors.New("boom"), false)
	}
	history := engine.GetErrorHistory()
	if len(history) != maxErrorHistory {
		t.Fatalf("history length = %d, want %d", len(history), maxErrorHistory)
	}

	history[0] = SyncErrorEntry{}
	if engine.GetErrorHistory()[0].OperationID != "op_1" {
		t.Error("modifying returned history affected original")
	}
}

// =====================================================
// Conflict Tests
// =====================================================

type conflictReply struct{ body []byte }

func (c *conflictReply) Error() string { return "http 409: conflict" }

func (c *conflictReply) ConflictPayload() ([]byte, bool) { return c.body, true }

// TestSyncNow_conflicts verifies each strategy's effect on the operation.
func TestSyncNow_conflicts(t *testing.T) {
	merger := conflict.MergerFunc(func(local, server json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"sku":"X","qty":5}`), nil
	})
	tests := []struct {
		name       string
		resolver   *conflict.Resolver
		wantStatus models.OperationStatus
		wantRetry  int
		wantBody   string
	}{
		{"server wins", conflict.NewResolver(conflict.StrategyServerWins, nil), models.StatusCompleted, 0, `{"sku":"X","qty":2}`},
		{"local wins", conflict.NewResolver(conflict.StrategyLocalWins, nil), models.StatusPending, 1, `{"sku":"X","qty":2}`},
		{"merge", conflict.NewResolver(conflict.StrategyMerge, merger), models.StatusPending, 1, `{"sku":"X","qty":5}`},
		{"merge unsupported", conflict.NewResolver(conflict.StrategyMerge, nil), models.StatusFailed, 1, `{"sku":"X","qty":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 5)
			h.engine.cfg.Resolver = tt.resolver
			op := h.enqueue(t, "/stock", "", 0)
			h.replayer.results["/stock"] = apperrors.Wrap(apperrors.ErrReplayPermanent, "replay",
				&conflictReply{body: []byte(`{"sku":"X","qty":3}`)})

			result, err := h.engine.SyncNow(context.Background())
			if err != nil {
				t.Fatalf("SyncNow() error = %v", err)
			}
			if result.Conflicts != 1 {
				t.Errorf("Conflicts = %d, want 1", result.Conflicts)
			}

			got, _ := h.manager.Get(context.Background(), op.ID)
			if got.Status != tt.wantStatus || got.RetryCount != tt.wantRetry {
				t.Errorf("op = %s retry=%d, want %s retry=%d", got.Status, got.RetryCount, tt.wantStatus, tt.wantRetry)
			}
			if string(got.Body) != tt.wantBody {
				t.Errorf("body = %s, want %s", got.Body, tt.wantBody)
			}
		})
	}
}

// TestSyncNow_conflictWithoutResolver verifies 409 falls back to error classification.
func TestSyncNow_conflictWithoutResolver(t *testing.T) {
	h := newHarness(t, 5)
	op := h.enqueue(t, "/stock", "", 0)
	h.replayer.results["/stock"] = apperrors.Wrap(apperrors.ErrReplayPermanent, "replay",
		&conflictReply{body: []byte(`{}`)})

	result, _ := h.engine.SyncNow(context.Background())
	if result.Conflicts != 0 || result.Failed != 1 {
		t.Errorf("result = %+v, want permanent failure without conflict handling", result)
	}
	got, _ := h.manager.Get(context.Background(), op.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}
