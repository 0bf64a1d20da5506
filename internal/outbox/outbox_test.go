package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/events"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox/store"
	"github.com/kimhsiao/outbox/internal/sync/connectivity"
	"github.com/kimhsiao/outbox/internal/transport/httpreplay"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedReplayer fails while failing is set and records every call.
type scriptedReplayer struct {
	mu      sync.Mutex
	failing bool
	calls   []string
}

func (r *scriptedReplayer) Replay(_ context.Context, op *models.QueuedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op.Endpoint)
	if r.failing {
		return apperrors.Wrap(apperrors.ErrReplayTransient, "replay", errors.New("connection refused"))
	}
	return nil
}

func (r *scriptedReplayer) setFailing(v bool) {
	r.mu.Lock()
	r.failing = v
	r.mu.Unlock()
}

func (r *scriptedReplayer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	outbox   *Outbox
	monitor  *connectivity.Monitor
	replayer *scriptedReplayer
	clock    *fakeClock
}

func newFixture(t *testing.T, profile Profile, online bool) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	monitor := connectivity.NewMonitor(connectivity.Options{StartOnline: online, Publisher: bus})
	replayer := &scriptedReplayer{}

	o, err := New(Options{
		Profile:  profile,
		Store:    store.NewMemory(),
		Replayer: replayer,
		Monitor:  monitor,
		Bus:      bus,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return &fixture{outbox: o, monitor: monitor, replayer: replayer, clock: clock}
}

func saleRequest() models.OperationRequest {
	return models.OperationRequest{
		Method:   http.MethodPost,
		URL:      "/sale",
		Body:     json.RawMessage(`{"sku":"X","qty":2}`),
		Priority: "high",
	}
}

// =====================================================
// Profile Tests
// =====================================================

func TestPreset(t *testing.T) {
	for _, name := range []string{ProfileGeneric, ProfileMerchant, ProfileProducer} {
		p, err := Preset(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
		assert.Positive(t, p.MaxRetries)
		assert.Positive(t, p.SyncInterval)
	}

	_, err := Preset("warehouse")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	assert.Equal(t, 5, Generic().MaxRetries)
	assert.Equal(t, 3, Merchant().MaxRetries)
	assert.Equal(t, 5*time.Minute, Merchant().SyncInterval)
	assert.Equal(t, 60*time.Second, Producer().SyncInterval)

	route, ok := Merchant().Routes.Resolve("stock_adjust")
	require.True(t, ok)
	assert.Equal(t, "/api/merchant/stock/adjust", route.URL)
}

func TestProfileWithRoutes(t *testing.T) {
	base := Merchant()
	p := base.WithRoutes(map[string]models.Route{
		"refund": {URL: "/api/merchant/refund/create"},
		"sale":   {Method: "PUT", URL: "/api/v2/sale"},
	})

	refund, ok := p.Routes.Resolve("refund")
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, refund.Method)

	sale, _ := p.Routes.Resolve("sale")
	assert.Equal(t, "/api/v2/sale", sale.URL)

	orig, _ := base.Routes.Resolve("sale")
	assert.Equal(t, "/api/merchant/sale/create", orig.URL, "base profile must not change")
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{Profile: Generic()})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

// =====================================================
// End-to-End Tests
// =====================================================

// TestOfflineEnqueueReplays verifies an offline enqueue replays once connectivity returns.
func TestOfflineEnqueueReplays(t *testing.T) {
	f := newFixture(t, Generic(), false)
	ctx := context.Background()

	_, err := f.outbox.Enqueue(ctx, saleRequest())
	require.NoError(t, err)

	stats, err := f.outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.False(t, stats.IsOnline)

	f.monitor.SetOnline(true)
	f.outbox.Wait()

	stats, err = f.outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
	assert.True(t, stats.IsOnline)
	assert.NotNil(t, stats.LastSuccessfulSync)
	assert.Equal(t, []string{"/sale"}, f.replayer.Calls())
}

// TestDuplicatePayloadRejected verifies identical payloads without a key are deduplicated.
func TestDuplicatePayloadRejected(t *testing.T) {
	f := newFixture(t, Generic(), false)
	ctx := context.Background()

	_, err := f.outbox.Enqueue(ctx, saleRequest())
	require.NoError(t, err)
	_, err = f.outbox.Enqueue(ctx, saleRequest())
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicate), "got %v", err)

	stats, _ := f.outbox.Stats(ctx)
	assert.Equal(t, 1, stats.Total)
}

// TestRetryExhaustionAndManualRetry verifies retry exhaustion and manual retry.
func TestRetryExhaustionAndManualRetry(t *testing.T) {
	f := newFixture(t, Generic(), true)
	ctx := context.Background()
	f.replayer.setFailing(true)

	req := saleRequest()
	req.MaxRetries = 3
	op, err := f.outbox.Enqueue(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.outbox.SyncNow(ctx)
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}
	// nothing left to replay
	_, err = f.outbox.SyncNow(ctx)
	require.NoError(t, err)
	assert.Len(t, f.replayer.Calls(), 3)

	got, err := f.outbox.Operation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	failed, err := f.outbox.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	f.replayer.setFailing(false)
	n, err := f.outbox.RetryFailedItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.outbox.Wait()

	got, _ = f.outbox.Operation(ctx, op.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Len(t, f.replayer.Calls(), 4)
}

// TestBatchHonorsPriority verifies a bounded batch honors priority.
func TestBatchHonorsPriority(t *testing.T) {
	p := Generic()
	p.BatchSize = 2
	f := newFixture(t, p, true)
	ctx := context.Background()

	for _, prio := range []string{"critical", "normal", "low"} {
		_, err := f.outbox.Enqueue(ctx, models.OperationRequest{
			URL:      "/" + prio,
			Body:     json.RawMessage(`{}`),
			Priority: prio,
		})
		require.NoError(t, err)
	}

	result, err := f.outbox.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, []string{"/critical", "/normal"}, f.replayer.Calls())

	stats, _ := f.outbox.Stats(ctx)
	assert.Equal(t, 1, stats.Pending)
}

// =====================================================
// Facade Tests
// =====================================================

func TestClear(t *testing.T) {
	f := newFixture(t, Generic(), false)
	ctx := context.Background()
	_, err := f.outbox.Enqueue(ctx, saleRequest())
	require.NoError(t, err)

	n, err := f.outbox.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, _ := f.outbox.Stats(ctx)
	assert.Equal(t, 0, stats.Total)
}

func TestRetryFailedItemsNothingFailed(t *testing.T) {
	f := newFixture(t, Generic(), true)
	n, err := f.outbox.RetryFailedItems(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.replayer.Calls())
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, Generic(), true)
	sub := f.outbox.Events().Subscribe(32, events.EventItemAdded, events.EventSyncCompleted)
	defer sub.Close()
	ctx := context.Background()

	_, err := f.outbox.Enqueue(ctx, saleRequest())
	require.NoError(t, err)
	_, err = f.outbox.SyncNow(ctx)
	require.NoError(t, err)

	var got []events.EventType
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-sub.C:
			assert.Equal(t, ProfileGeneric, e.Namespace)
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, []events.EventType{events.EventItemAdded, events.EventSyncCompleted}, got)

	logs, err := f.outbox.RecentLogs(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Generic(), true)
	ctx := context.Background()
	_, err := f.outbox.Enqueue(ctx, saleRequest())
	require.NoError(t, err)

	f.outbox.Start(ctx)
	assert.True(t, f.outbox.SchedulerStatus().IsRunning)
	f.outbox.Stop()
	assert.False(t, f.outbox.SchedulerStatus().IsRunning)

	stats, _ := f.outbox.Stats(ctx)
	assert.Equal(t, 1, stats.Completed, "start triggers an immediate pass")
}

// TestCloseDetachesFromSharedMonitor verifies a closed outbox ignores later
// connectivity transitions on a monitor it shares.
func TestCloseDetachesFromSharedMonitor(t *testing.T) {
	f := newFixture(t, Generic(), false)
	ctx := context.Background()
	_, err := f.outbox.Enqueue(ctx, saleRequest())
	require.NoError(t, err)

	require.NoError(t, f.outbox.Close())
	f.monitor.SetOnline(true)
	f.outbox.Wait()

	assert.Empty(t, f.replayer.Calls())
	assert.False(t, f.outbox.engine.TriggerSync(ctx))
}

// =====================================================
// HTTP Wiring Tests
// =====================================================

// TestMerchantSyncOnEnqueue verifies kind routing, the JSON-RPC envelope and
// the immediate pass after an online enqueue.
func TestMerchantSyncOnEnqueue(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		rpc   map[string]json.RawMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&rpc)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"success":true}}`))
	}))
	defer srv.Close()

	o, err := New(Options{
		Profile: Merchant(),
		Store:   store.NewMemory(),
		Remote:  httpreplay.Options{BaseURL: srv.URL},
	})
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	op, err := o.Enqueue(ctx, models.OperationRequest{Kind: "sale", Body: json.RawMessage(`{"sku":"X","qty":2}`)})
	require.NoError(t, err)
	assert.Equal(t, "/api/merchant/sale/create", op.Endpoint)
	assert.Equal(t, 3, op.MaxRetries)
	o.Wait()

	mu.Lock()
	assert.Equal(t, []string{"/api/merchant/sale/create"}, paths)
	assert.JSONEq(t, `"call"`, string(rpc["method"]))
	assert.JSONEq(t, `{"sku":"X","qty":2}`, string(rpc["params"]))
	mu.Unlock()

	stats, _ := o.Stats(ctx)
	assert.Equal(t, 1, stats.Completed)

	_, err = o.Enqueue(ctx, models.OperationRequest{Kind: "refund"})
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownOperation), "got %v", err)
}

// TestProducerConflict verifies a 409 resolved in the server's favour
// completes the operation.
func TestProducerConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"qty":1}`))
	}))
	defer srv.Close()

	o, err := New(Options{
		Profile: Producer(),
		Store:   store.NewMemory(),
		Remote:  httpreplay.Options{BaseURL: srv.URL},
	})
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	op, err := o.Enqueue(ctx, models.OperationRequest{Kind: "harvest", Body: json.RawMessage(`{"qty":4}`)})
	require.NoError(t, err)

	result, err := o.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	got, _ := o.Operation(ctx, op.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

// TestProbeFlipsMonitor verifies a private monitor follows the remote health check.
func TestProbeFlipsMonitor(t *testing.T) {
	status := http.StatusOK
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	o, err := New(Options{
		Profile:       Generic(),
		Store:         store.NewMemory(),
		Remote:        httpreplay.Options{BaseURL: srv.URL},
		ProbeInterval: time.Hour,
	})
	require.NoError(t, err)
	defer o.Close()
	require.NotNil(t, o.prober)

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()
	assert.False(t, o.prober.Check(context.Background()))
	assert.False(t, o.Monitor().IsOnline())

	mu.Lock()
	status = http.StatusOK
	mu.Unlock()
	assert.True(t, o.prober.Check(context.Background()))
	assert.True(t, o.Monitor().IsOnline())
}
