package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/coordinator"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/formula"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/metrics"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/publisher"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/subscriber"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/testutils"
	"github.com/shubham-shewale/ratehub/pkg/cache"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

var t0 = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

// countingEvaluator wraps the real engine; when gate is set every call
// reports on entered and blocks until gate is closed
type countingEvaluator struct {
	*formula.Engine

	mu      sync.Mutex
	calls   map[string]int
	gate    chan struct{}
	entered chan string
}

func newCountingEvaluator() *countingEvaluator {
	return &countingEvaluator{Engine: formula.NewDefaultEngine(time.Second), calls: make(map[string]int)}
}

func (e *countingEvaluator) Evaluate(ctx context.Context, engineName, f string, inputs map[string]models.Rate, helpers map[string]decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	e.calls[f]++
	gate, entered := e.gate, e.entered
	e.mu.Unlock()

	if gate != nil {
		entered <- f
		<-gate
	}
	return e.Engine.Evaluate(ctx, engineName, f, inputs, helpers)
}

func (e *countingEvaluator) Calls(f string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[f]
}

type harness struct {
	coord *coordinator.Coordinator
	eval  *countingEvaluator
	cache cache.DistributedCache
	pub   *testutils.MockPublisher
}

func start(t *testing.T, defs []coordinator.Definition, subs ...subscriber.Subscriber) *harness {
	t.Helper()
	return startWith(t, cache.NewMemoryCache(), defs, subs...)
}

func startWith(t *testing.T, c cache.DistributedCache, defs []coordinator.Definition, subs ...subscriber.Subscriber) *harness {
	t.Helper()
	h := &harness{eval: newCountingEvaluator(), cache: c, pub: &testutils.MockPublisher{}}
	h.coord = coordinator.New(coordinator.Options{
		Definitions:   defs,
		NumWorkers:    4,
		QueueSize:     16,
		ShutdownGrace: time.Second,
	}, h.eval, c, h.pub, metrics.New(), zap.NewNop())

	require.NoError(t, h.coord.RegisterAndStart(context.Background(), subs))
	t.Cleanup(func() { h.coord.Shutdown(context.Background()) })
	return h
}

func (h *harness) tick(t *testing.T, name, bid, ask string) {
	t.Helper()
	require.NoError(t, h.coord.HandleTick(context.Background(), testutils.Tick(name, bid, ask, t0)))
}

func (h *harness) calc(t *testing.T, name string) (models.Rate, bool) {
	t.Helper()
	r, ok, err := h.cache.Get(context.Background(), cache.RegionCalcRates, name)
	require.NoError(t, err)
	return r, ok
}

func exprDef(name, f string, inputs ...string) coordinator.Definition {
	return coordinator.Definition{OutputName: name, Engine: "engine-A", Formula: f, Inputs: inputs}
}

func TestCoordinator_OrderIndependentFinalState(t *testing.T) {
	defs := []coordinator.Definition{exprDef("C", "A_bid + B_ask", "A", "B")}

	forward := start(t, defs)
	forward.tick(t, "A", "1.5", "1.75")
	forward.tick(t, "B", "2.25", "2.5")

	reverse := start(t, defs)
	reverse.tick(t, "B", "2.25", "2.5")
	reverse.tick(t, "A", "1.5", "1.75")

	got1, ok1 := forward.calc(t, "C")
	got2, ok2 := reverse.calc(t, "C")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.True(t, got1.Bid.Equal(decimal.NewFromInt(4)), "got %s", got1.Bid)
	assert.True(t, got1.Ask.Equal(got1.Bid), "a single formula populates bid and ask")
	assert.True(t, got1.Equal(got2))

	view := forward.coord.Lookup("C")
	assert.Equal(t, models.StateAvailable, view.State)
	assert.True(t, view.HasValue)
}

func TestCoordinator_MultiLevelPropagation(t *testing.T) {
	h := start(t, []coordinator.Definition{
		exprDef("D", "C_bid * 2", "C"),
		exprDef("C", "A_bid + B_ask", "A", "B"),
	})
	h.tick(t, "A", "1", "1")
	h.tick(t, "B", "2", "2")

	h.pub.Mu.Lock()
	h.pub.Records = nil
	h.pub.Mu.Unlock()

	h.tick(t, "A", "5", "5")

	assert.Equal(t, []string{"A"}, h.pub.Names(models.UpdateRaw))
	assert.Equal(t, []string{"C", "D"}, h.pub.Names(models.UpdateCalculated), "C is recomputed before D in one cycle")

	d, ok := h.calc(t, "D")
	require.True(t, ok)
	assert.True(t, d.Bid.Equal(decimal.NewFromInt(14)), "got %s", d.Bid)
}

func TestCoordinator_MissingInputKeepsUnknown(t *testing.T) {
	h := start(t, []coordinator.Definition{exprDef("C", "A_bid + B_ask", "A", "B")})

	assert.Equal(t, models.StateUnknown, h.coord.Lookup("A").State)
	h.tick(t, "A", "1", "1")

	_, ok := h.calc(t, "C")
	assert.False(t, ok, "C must stay absent until B arrives")
	view := h.coord.Lookup("C")
	assert.Equal(t, models.StateUnknown, view.State)
	assert.False(t, view.HasValue)
	assert.Zero(t, h.eval.Calls("A_bid + B_ask"), "evaluate must never see a missing input")

	assert.Equal(t, models.StateAvailable, h.coord.Lookup("A").State, "UPDATED collapses after propagation")
}

func TestCoordinator_FormulaFailureIsIsolated(t *testing.T) {
	h := start(t, []coordinator.Definition{
		exprDef("Bad", "A_bid / (B_bid - B_bid)", "A", "B"),
		exprDef("Good", "A_bid * 2", "A"),
		exprDef("AfterBad", "Bad_bid + 1", "Bad"),
	})
	h.tick(t, "B", "3", "3")
	h.tick(t, "A", "2", "2")

	_, ok := h.calc(t, "Bad")
	assert.False(t, ok)
	bad := h.coord.Lookup("Bad")
	assert.Equal(t, models.StateError, bad.State)
	assert.False(t, bad.HasValue)
	assert.NotEmpty(t, bad.Err)

	good, ok := h.calc(t, "Good")
	require.True(t, ok)
	assert.True(t, good.Bid.Equal(decimal.NewFromInt(4)))

	assert.Equal(t, []string{"B", "A"}, h.pub.Names(models.UpdateRaw), "raw publication is unaffected")
	assert.Equal(t, models.StateUnknown, h.coord.Lookup("AfterBad").State, "failures do not propagate")
}

func TestCoordinator_ErrorKeepsLastGoodValue(t *testing.T) {
	guarded := coordinator.Definition{
		OutputName: "G",
		Engine:     "engine-B",
		Formula:    "if A_bid > 2 then return nil end return A_bid * 10",
		Inputs:     []string{"A"},
	}
	h := start(t, []coordinator.Definition{guarded, exprDef("H", "G_bid + 1", "G")})

	h.tick(t, "A", "1", "1")
	h.tick(t, "A", "3", "3")

	g, ok := h.calc(t, "G")
	require.True(t, ok)
	assert.True(t, g.Bid.Equal(decimal.NewFromInt(10)), "cache keeps the last good value")

	view := h.coord.Lookup("G")
	assert.Equal(t, models.StateError, view.State)
	assert.True(t, view.HasValue)
	assert.True(t, view.Rate.Bid.Equal(decimal.NewFromInt(10)))

	assert.Len(t, h.pub.Rates("H"), 1, "H is not recomputed from a failed G")

	shared, err := cache.View(context.Background(), h.cache, cache.RegionCalcRates, "G")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, shared.State, "ERROR is visible through the cache")
	assert.NotEmpty(t, shared.Err)
	assert.True(t, shared.Rate.Bid.Equal(decimal.NewFromInt(10)))

	h.tick(t, "A", "2", "2")
	assert.Equal(t, models.StateAvailable, h.coord.Lookup("G").State, "a later success clears the flag")
	assert.Len(t, h.pub.Rates("H"), 2)

	shared, err = cache.View(context.Background(), h.cache, cache.RegionCalcRates, "G")
	require.NoError(t, err)
	assert.Equal(t, models.StateAvailable, shared.State)
	assert.Empty(t, shared.Err)
}

func TestCoordinator_SeparateAskFormulaAndTimestamp(t *testing.T) {
	h := start(t, []coordinator.Definition{{
		OutputName: "EURTRY",
		Engine:     "engine-A",
		Formula:    "EURUSD_bid * USDTRY_bid",
		AskFormula: "EURUSD_ask * USDTRY_ask + Markup",
		Inputs:     []string{"EURUSD", "USDTRY"},
		Helpers:    map[string]decimal.Decimal{"Markup": decimal.RequireFromString("0.5")},
	}})

	require.NoError(t, h.coord.HandleTick(context.Background(), testutils.Tick("EURUSD", "1.5", "2", t0)))
	require.NoError(t, h.coord.HandleTick(context.Background(), testutils.Tick("USDTRY", "32", "32.5", t0.Add(time.Second))))

	r, ok := h.calc(t, "EURTRY")
	require.True(t, ok)
	assert.True(t, r.Bid.Equal(decimal.NewFromInt(48)), "bid %s", r.Bid)
	assert.True(t, r.Ask.Equal(decimal.RequireFromString("65.5")), "ask %s", r.Ask)
	assert.True(t, r.Timestamp.Equal(t0.Add(time.Second)), "latest input timestamp wins")
}

func TestCoordinator_CoalescesConcurrentTriggers(t *testing.T) {
	const f = "A_bid + B_bid"
	h := start(t, []coordinator.Definition{exprDef("C", f, "A", "B")})
	h.tick(t, "A", "1", "1")
	h.tick(t, "B", "2", "2")
	require.Equal(t, 1, h.eval.Calls(f))

	gate := make(chan struct{})
	h.eval.mu.Lock()
	h.eval.gate, h.eval.entered = gate, make(chan string, 8)
	entered := h.eval.entered
	h.eval.mu.Unlock()

	first := make(chan struct{})
	go func() {
		defer close(first)
		h.coord.HandleTick(context.Background(), testutils.Tick("A", "10", "10", t0))
	}()
	<-entered

	// the second trigger arrives while C is being evaluated and must not wait
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.HandleTick(context.Background(), testutils.Tick("B", "20", "20", t0))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coalesced trigger blocked")
	}

	close(gate)
	<-first

	assert.Equal(t, 3, h.eval.Calls(f), "two triggers, one superseding re-run")
	c, _ := h.calc(t, "C")
	assert.True(t, c.Bid.Equal(decimal.NewFromInt(30)), "the re-run sees both new inputs, got %s", c.Bid)
}

func TestCoordinator_StartupValidationIsFatal(t *testing.T) {
	cases := []struct {
		name  string
		defs  []coordinator.Definition
		check func(t *testing.T, err error)
	}{
		{"cycle", []coordinator.Definition{exprDef("C", "D_bid", "D"), exprDef("D", "C_bid", "C")}, func(t *testing.T, err error) {
			var target *coordinator.DependencyCycleError
			assert.True(t, errors.As(err, &target))
		}},
		{"unknown engine", []coordinator.Definition{{OutputName: "C", Engine: "groovy", Formula: "1", Inputs: []string{"A"}}}, func(t *testing.T, err error) {
			var target *formula.UnsupportedEngineError
			assert.True(t, errors.As(err, &target))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := testutils.NewMockSubscriber("sim", []models.RawTick{testutils.Tick("A", "1", "1", t0)}, nil)
			coord := coordinator.New(coordinator.Options{Definitions: tc.defs}, formula.NewDefaultEngine(time.Second),
				cache.NewMemoryCache(), &testutils.MockPublisher{}, nil, zap.NewNop())

			err := coord.RegisterAndStart(context.Background(), []subscriber.Subscriber{sub})
			require.Error(t, err)
			tc.check(t, err)

			assert.ErrorIs(t, coord.HandleTick(context.Background(), testutils.Tick("A", "1", "1", t0)), coordinator.ErrNotStarted)
		})
	}
}

func TestCoordinator_MalformedFormulaIsIsolated(t *testing.T) {
	h := start(t, []coordinator.Definition{
		exprDef("Broken", "A_bid * * 2", "A"),
		exprDef("Unbound", "Z_bid", "A"),
		exprDef("Good", "A_bid + 1", "A"),
	})
	h.tick(t, "A", "2", "2")

	for _, name := range []string{"Broken", "Unbound"} {
		_, ok := h.calc(t, name)
		assert.False(t, ok, name)
		view := h.coord.Lookup(name)
		assert.Equal(t, models.StateError, view.State, name)
		assert.False(t, view.HasValue, name)
	}

	good, ok := h.calc(t, "Good")
	require.True(t, ok)
	assert.True(t, good.Bid.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, []string{"A"}, h.pub.Names(models.UpdateRaw))
}

func TestCoordinator_ShutdownIsIdempotent(t *testing.T) {
	store := &testutils.FailingCache{DistributedCache: cache.NewMemoryCache()}
	sub := testutils.NewMockSubscriber("sim", nil, nil)
	h := startWith(t, store, nil, sub)

	require.NoError(t, h.coord.Shutdown(context.Background()))
	require.NoError(t, h.coord.Shutdown(context.Background()))

	assert.Equal(t, 1, h.pub.Closed)
	assert.Equal(t, 1, store.CloseCall)
	assert.GreaterOrEqual(t, sub.Stops, 1)
	assert.ErrorIs(t, h.coord.HandleTick(context.Background(), testutils.Tick("A", "1", "1", t0)), coordinator.ErrNotStarted)
}

func TestCoordinator_RawCacheFailureMarksError(t *testing.T) {
	store := &testutils.FailingCache{DistributedCache: cache.NewMemoryCache()}
	h := startWith(t, store, []coordinator.Definition{exprDef("C", "A_bid", "A")})

	h.tick(t, "A", "1", "1")
	store.SetFailure(cache.RegionRawTicks, errors.New("cluster unreachable"))

	err := h.coord.HandleTick(context.Background(), testutils.Tick("A", "2", "2", t0))
	var propErr *cache.PropagationError
	require.True(t, errors.As(err, &propErr))

	view := h.coord.Lookup("A")
	assert.Equal(t, models.StateError, view.State)
	assert.True(t, view.Rate.Bid.Equal(decimal.NewFromInt(1)), "stale value is still readable")
	assert.Len(t, h.pub.Rates("A"), 1, "nothing is published for a tick that was not stored")
	status, ok, err := store.GetStatus(context.Background(), cache.RegionRawTicks, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StateError, status.State)
	assert.Contains(t, status.Err, "cluster unreachable")
}

func TestCoordinator_CalcCacheFailureMarksError(t *testing.T) {
	store := &testutils.FailingCache{DistributedCache: cache.NewMemoryCache()}
	h := startWith(t, store, []coordinator.Definition{exprDef("C", "A_bid", "A")})

	store.SetFailure(cache.RegionCalcRates, errors.New("cluster unreachable"))
	h.tick(t, "A", "1", "1")

	assert.Equal(t, models.StateError, h.coord.Lookup("C").State)
	assert.Empty(t, h.pub.Rates("C"))
}

func TestCoordinator_RejectsTickForCalculatedRate(t *testing.T) {
	h := start(t, []coordinator.Definition{exprDef("C", "A_bid", "A")})
	assert.Error(t, h.coord.HandleTick(context.Background(), testutils.Tick("C", "1", "1", t0)))
	assert.Error(t, h.coord.HandleTick(context.Background(), testutils.Tick("", "1", "1", t0)))
}

func TestCoordinator_SubscribersFeedDispatcherInOrder(t *testing.T) {
	var ticks []models.RawTick
	for i := 1; i <= 100; i++ {
		ticks = append(ticks, models.RawTick{RateName: "EURUSD", Bid: decimal.NewFromInt(int64(i)), Ask: decimal.NewFromInt(int64(i)), Timestamp: t0})
	}
	broken := testutils.NewMockSubscriber("broken", nil, errors.New("upstream unreachable"))
	feed := testutils.NewMockSubscriber("feed", ticks, nil)

	h := start(t, []coordinator.Definition{exprDef("DOUBLE", "EURUSD_bid * 2", "EURUSD")}, broken, feed)

	require.Eventually(t, func() bool {
		return len(h.pub.Rates("DOUBLE")) == 100
	}, 3*time.Second, 10*time.Millisecond, "the broken subscriber must not stop the healthy one")

	raw := h.pub.Rates("EURUSD")
	require.Len(t, raw, 100)
	for i, r := range raw {
		assert.True(t, r.Bid.Equal(decimal.NewFromInt(int64(i+1))), "record %d out of order", i)
	}

	last, ok := h.calc(t, "DOUBLE")
	require.True(t, ok)
	assert.True(t, last.Bid.Equal(decimal.NewFromInt(200)))
}

func TestCoordinator_WireRecordReachesTopic(t *testing.T) {
	writer := &testutils.MockKafkaWriter{}
	pub := publisher.New(writer, publisher.Topics{Raw: "rates.raw", Calculated: "rates.calculated"}, 16, zap.NewNop())
	coord := coordinator.New(coordinator.Options{}, formula.NewDefaultEngine(time.Second), cache.NewMemoryCache(), pub, nil, zap.NewNop())
	require.NoError(t, coord.RegisterAndStart(context.Background(), nil))

	ts := time.Date(2024, 3, 14, 9, 30, 0, 125_000_000, time.UTC)
	require.NoError(t, coord.HandleTick(context.Background(), testutils.Tick("EURUSD", "1.0805", "1.0807", ts)))
	require.NoError(t, coord.Shutdown(context.Background()))

	assert.Equal(t, []string{"EURUSD|1.0805|1.0807|2024-03-14T09:30:00.125Z"}, writer.ByTopic("rates.raw"))
}

func TestCoordinator_LookupUnconfiguredName(t *testing.T) {
	h := start(t, nil)
	view := h.coord.Lookup("NOPE")
	assert.Equal(t, models.StateUnknown, view.State)
	assert.Equal(t, "NOPE", view.Rate.RateName)
}

func TestCoordinator_PrunesRatesNoLongerConfigured(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryCache()
	old := testutils.Tick("OLD", "1", "1", t0).ToRate()
	require.NoError(t, store.Put(ctx, cache.RegionCalcRates, "OLD", old))
	require.NoError(t, store.SetStatus(ctx, cache.RegionCalcRates, "OLD", cache.Status{State: models.StateError, Err: "stale"}))
	require.NoError(t, store.Put(ctx, cache.RegionCalcRates, "C", old))
	for _, name := range []string{"A", "FEED", "GONE"} {
		require.NoError(t, store.Put(ctx, cache.RegionRawTicks, name, testutils.Tick(name, "1", "1", t0).ToRate()))
	}

	coord := coordinator.New(coordinator.Options{
		Definitions: []coordinator.Definition{exprDef("C", "A_bid", "A")},
		RawRates:    []string{"FEED"},
	}, newCountingEvaluator(), store, &testutils.MockPublisher{}, metrics.New(), zap.NewNop())
	require.NoError(t, coord.RegisterAndStart(ctx, nil))
	t.Cleanup(func() { coord.Shutdown(ctx) })

	calc, err := store.Snapshot(ctx, cache.RegionCalcRates)
	require.NoError(t, err)
	assert.Contains(t, calc, "C")
	assert.NotContains(t, calc, "OLD", "a calculated rate dropped from config is removed")
	_, ok, _ := store.GetStatus(ctx, cache.RegionCalcRates, "OLD")
	assert.False(t, ok, "its status goes with it")

	raw, err := store.Snapshot(ctx, cache.RegionRawTicks)
	require.NoError(t, err)
	assert.Contains(t, raw, "A", "graph inputs are kept")
	assert.Contains(t, raw, "FEED", "subscribed rates are kept")
	assert.NotContains(t, raw, "GONE")
}

func TestCoordinator_RawPruneDisabledWithoutRateList(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryCache()
	require.NoError(t, store.Put(ctx, cache.RegionRawTicks, "ANY", testutils.Tick("ANY", "1", "1", t0).ToRate()))

	h := startWith(t, store, []coordinator.Definition{exprDef("C", "A_bid", "A")})

	_, ok, err := h.cache.Get(ctx, cache.RegionRawTicks, "ANY")
	require.NoError(t, err)
	assert.True(t, ok, "a subscriber taking every rate name keeps all raw entries")
}
