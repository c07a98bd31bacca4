package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/formula"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/metrics"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/subscriber"
	"github.com/shubham-shewale/ratehub/pkg/cache"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

var (
	ErrNotStarted     = errors.New("coordinator not started")
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// Evaluator runs formulas by engine name
type Evaluator interface {
	Evaluate(ctx context.Context, engineName, formula string, inputs map[string]models.Rate, helpers map[string]decimal.Decimal) (decimal.Decimal, error)
	Validate(engineName, formula string, vars []string) error
}

// Publisher is the outbound bus; Publish must not block
type Publisher interface {
	Publish(kind models.UpdateKind, rate models.Rate) error
	Close(ctx context.Context) error
}

type Options struct {
	Definitions   []Definition
	NumWorkers    int
	QueueSize     int
	ShutdownGrace time.Duration

	// RawRates are the raw names the subscribers are configured for. Raw
	// entries outside this set and the graph inputs are pruned at start;
	// nil leaves rawTicks untouched.
	RawRates []string
}

// Coordinator ingests raw ticks, keeps the cache current and recomputes
// calculated rates as their inputs change. It is the only cache writer.
type Coordinator struct {
	opts      Options
	evaluator Evaluator
	cache     cache.DistributedCache
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	states *states

	// set once by RegisterAndStart, read-only afterwards
	graph      *Graph
	coalescers map[string]*coalescer
	dispatcher *Dispatcher
	subs       []subscriber.Subscriber

	started atomic.Bool
	ready   atomic.Bool

	workCancel context.CancelFunc
	subCancel  context.CancelFunc
	subWG      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options, evaluator Evaluator, c cache.DistributedCache, pub Publisher, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	return &Coordinator{
		opts:      opts,
		evaluator: evaluator,
		cache:     c,
		publisher: pub,
		metrics:   m,
		logger:    logger,
		states:    newStates(),
	}
}

// RegisterAndStart builds the dependency graph and checks every definition,
// then starts the workers and one task per subscriber. A cycle or an unknown
// engine is fatal and nothing is started.
func (c *Coordinator) RegisterAndStart(ctx context.Context, subs []subscriber.Subscriber) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	graph, err := NewGraph(c.opts.Definitions)
	if err != nil {
		return fmt.Errorf("dependency graph: %w", err)
	}
	if err := c.validate(graph); err != nil {
		return err
	}

	c.graph = graph
	c.prune(ctx)
	c.coalescers = make(map[string]*coalescer, len(graph.Order()))
	for _, name := range graph.Order() {
		c.coalescers[name] = &coalescer{}
	}
	c.states.register(graph.RateNames()...)

	// workers outlive the caller's ctx so Shutdown can drain them
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.workCancel = workCancel
	c.dispatcher = NewDispatcher(c.opts.NumWorkers, c.opts.QueueSize, func(ctx context.Context, tick models.RawTick) {
		c.HandleTick(ctx, tick)
	}, c.logger)
	c.dispatcher.Start(workCtx)
	c.ready.Store(true)

	subCtx, subCancel := context.WithCancel(ctx)
	c.subCancel = subCancel
	c.subs = subs
	for _, s := range subs {
		c.subWG.Add(1)
		go c.runSubscriber(subCtx, s)
	}

	c.logger.Info("Coordinator started",
		zap.Int("calculated_rates", len(graph.Order())),
		zap.Int("subscribers", len(subs)),
		zap.Strings("order", graph.Order()),
	)
	return nil
}

// validate fails on engines that are not registered. A formula that does not
// compile only concerns its own rate: it is reported here and that rate goes
// to ERROR on every evaluation.
func (c *Coordinator) validate(graph *Graph) error {
	var errs []error
	for _, name := range graph.Order() {
		def, _ := graph.Definition(name)
		vars := formula.VariableNames(def.Inputs, def.helperNames())
		for _, f := range []string{def.Formula, def.AskFormula} {
			if f == "" {
				continue
			}
			err := c.evaluator.Validate(def.Engine, f, vars)
			if err == nil {
				continue
			}
			var unsupported *formula.UnsupportedEngineError
			if errors.As(err, &unsupported) {
				errs = append(errs, fmt.Errorf("calculated rate %s: %w", name, err))
				break
			}
			c.logger.Error("Formula does not compile, rate will stay in ERROR", zap.String("rate", name), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// prune drops cache entries for rates that are no longer configured, so
// readers do not keep serving values nothing will ever refresh. Failures are
// logged and startup continues.
func (c *Coordinator) prune(ctx context.Context) {
	c.pruneRegion(ctx, cache.RegionCalcRates, func(name string) bool {
		return c.graph.IsCalculated(name)
	})

	if c.opts.RawRates == nil {
		return
	}
	keep := make(map[string]bool, len(c.opts.RawRates))
	for _, name := range c.opts.RawRates {
		keep[name] = true
	}
	for _, name := range c.graph.RateNames() {
		if !c.graph.IsCalculated(name) {
			keep[name] = true
		}
	}
	c.pruneRegion(ctx, cache.RegionRawTicks, func(name string) bool { return keep[name] })
}

func (c *Coordinator) pruneRegion(ctx context.Context, region cache.Region, configured func(string) bool) {
	entries, err := c.cache.Snapshot(ctx, region)
	if err != nil {
		c.logger.Warn("Could not list cached rates, skipping prune", zap.String("region", string(region)), zap.Error(err))
		return
	}
	for name := range entries {
		if configured(name) {
			continue
		}
		if err := c.cache.Remove(ctx, region, name); err != nil {
			c.metrics.CacheFailed(string(region))
			c.logger.Warn("Stale rate not removed", zap.String("region", string(region)), zap.String("rate", name), zap.Error(err))
			continue
		}
		c.logger.Info("Removed rate no longer configured", zap.String("region", string(region)), zap.String("rate", name))
	}
}

func (c *Coordinator) runSubscriber(ctx context.Context, s subscriber.Subscriber) {
	defer c.subWG.Done()

	fail := func(err error) {
		failure := &subscriber.Failure{Subscriber: s.Name(), Err: err}
		c.logger.Error("Subscriber failed, continuing without it", zap.Error(failure))
		c.metrics.SubscriberFailed(s.Name())
	}
	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("panic: %v", r))
		}
	}()

	sink := func(tick models.RawTick) {
		if err := c.dispatcher.Dispatch(ctx, tick); err != nil {
			c.logger.Debug("Tick not accepted", zap.String("rate", tick.RateName), zap.Error(err))
		}
	}

	c.logger.Info("Subscriber attached", zap.String("subscriber", s.Name()))
	if err := s.Start(ctx, sink); err != nil {
		fail(err)
		return
	}
	c.logger.Info("Subscriber stopped", zap.String("subscriber", s.Name()))
}

// HandleTick stores and publishes one raw tick, then recomputes every
// calculated rate downstream of it in topological order.
func (c *Coordinator) HandleTick(ctx context.Context, tick models.RawTick) error {
	if !c.ready.Load() {
		return ErrNotStarted
	}
	name := tick.RateName
	if name == "" {
		return fmt.Errorf("%w: empty rate name", models.ErrMalformedRecord)
	}
	if c.graph.IsCalculated(name) {
		c.logger.Warn("Ignoring raw tick for a calculated rate", zap.String("rate", name))
		return fmt.Errorf("rate %s is calculated", name)
	}
	c.metrics.TickIngested(name)

	rate := tick.ToRate()
	if err := c.cache.Put(ctx, cache.RegionRawTicks, name, rate); err != nil {
		if c.states.failed(name, err) {
			c.shareStatus(ctx, name, cache.Status{State: models.StateError, Err: err.Error()})
		}
		c.metrics.CacheFailed(string(cache.RegionRawTicks))
		c.logger.Error("Raw tick not stored, rate is stale", zap.String("rate", name), zap.Error(err))
		return err
	}
	if c.states.stored(rate, models.StateUpdated) {
		c.shareStatus(ctx, name, cache.Status{State: models.StateAvailable})
	}
	defer c.states.settle(name)

	c.publish(models.UpdateRaw, rate)

	changed := map[string]bool{name: true}
	for _, calc := range c.graph.Affected(name) {
		def, _ := c.graph.Definition(calc)
		if !consumesAny(def, changed) {
			continue
		}
		if c.recompute(ctx, def) {
			changed[calc] = true
		}
	}
	return nil
}

func consumesAny(def Definition, changed map[string]bool) bool {
	for _, in := range def.Inputs {
		if changed[in] {
			return true
		}
	}
	return false
}

// recompute reports whether a new value for def was written by this call
func (c *Coordinator) recompute(ctx context.Context, def Definition) bool {
	produced := false
	ran := c.coalescers[def.OutputName].run(func() {
		if c.evaluate(ctx, def) {
			produced = true
		}
	})
	if !ran {
		c.metrics.Coalesced()
		c.logger.Debug("Recomputation coalesced", zap.String("rate", def.OutputName))
	}
	return produced
}

func (c *Coordinator) evaluate(ctx context.Context, def Definition) bool {
	name := def.OutputName

	inputs := make(map[string]models.Rate, len(def.Inputs))
	var ts time.Time
	for _, in := range def.Inputs {
		rate, ok, err := c.input(ctx, in)
		if err != nil {
			c.fail(ctx, name, err)
			return false
		}
		if !ok {
			c.metrics.Recomputed(name, metrics.OutcomeSkipped)
			c.logger.Debug("Input not yet available", zap.String("rate", name), zap.String("input", in))
			return false
		}
		inputs[in] = rate
		if rate.Timestamp.After(ts) {
			ts = rate.Timestamp
		}
	}

	start := time.Now()
	bid, err := c.evaluator.Evaluate(ctx, def.Engine, def.Formula, inputs, def.Helpers)
	ask := bid
	if err == nil && def.AskFormula != "" {
		ask, err = c.evaluator.Evaluate(ctx, def.Engine, def.AskFormula, inputs, def.Helpers)
	}
	c.metrics.ObserveEvaluation(def.Engine, time.Since(start))
	if err != nil {
		c.fail(ctx, name, err)
		return false
	}

	result := models.Rate{RateName: name, Bid: bid, Ask: ask, Timestamp: ts}
	if err := c.cache.Put(ctx, cache.RegionCalcRates, name, result); err != nil {
		c.metrics.CacheFailed(string(cache.RegionCalcRates))
		c.fail(ctx, name, err)
		return false
	}
	if c.states.stored(result, models.StateAvailable) {
		c.shareStatus(ctx, name, cache.Status{State: models.StateAvailable})
	}
	c.metrics.Recomputed(name, metrics.OutcomeSuccess)

	c.publish(models.UpdateCalculated, result)
	return true
}

// input reads the current value of a formula input. A rate never seen since
// start is reported as absent even if an older value sits in the cache.
func (c *Coordinator) input(ctx context.Context, name string) (models.Rate, bool, error) {
	if _, seen := c.states.usable(name); !seen {
		return models.Rate{}, false, nil
	}
	return c.cache.Get(ctx, c.region(name), name)
}

func (c *Coordinator) region(name string) cache.Region {
	if c.graph.IsCalculated(name) {
		return cache.RegionCalcRates
	}
	return cache.RegionRawTicks
}

func (c *Coordinator) fail(ctx context.Context, name string, err error) {
	if c.states.failed(name, err) {
		c.shareStatus(ctx, name, cache.Status{State: models.StateError, Err: err.Error()})
	}
	c.metrics.Recomputed(name, metrics.OutcomeError)
	c.logger.Error("Calculated rate failed, keeping last good value", zap.String("rate", name), zap.Error(err))
}

// shareStatus mirrors a state change into the cache for the other members
func (c *Coordinator) shareStatus(ctx context.Context, name string, status cache.Status) {
	region := c.region(name)
	if err := c.cache.SetStatus(ctx, region, name, status); err != nil {
		c.metrics.CacheFailed(string(region))
		c.logger.Warn("Rate status not shared", zap.String("rate", name), zap.Stringer("state", status.State), zap.Error(err))
	}
}

func (c *Coordinator) publish(kind models.UpdateKind, rate models.Rate) {
	if err := c.publisher.Publish(kind, rate); err != nil {
		c.logger.Debug("Publish failed", zap.String("rate", rate.RateName), zap.Error(err))
	}
}

// Lookup returns what a reader sees for name; it never fails
func (c *Coordinator) Lookup(name string) models.RateView {
	return c.states.view(name)
}

// Shutdown stops the subscribers, drains in-flight work within the grace
// period, flushes the publisher and leaves the cluster. Safe to call twice.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx)
	})
	return c.shutdownErr
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.logger.Info("Shutdown signal received, stopping coordinator...")

	if c.subCancel != nil {
		c.subCancel()
	}
	for _, s := range c.subs {
		s.Stop()
	}

	graceCtx, cancel := context.WithTimeout(ctx, c.opts.ShutdownGrace)
	defer cancel()

	if c.dispatcher != nil {
		c.dispatcher.Close()
		c.logger.Info("Waiting for workers to drain...")
		if err := c.dispatcher.Wait(graceCtx); err != nil {
			c.logger.Warn("Grace period over, cancelling in-flight evaluations", zap.Error(err))
			c.workCancel()
			waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
			c.dispatcher.Wait(waitCtx)
			waitCancel()
		}
		c.workCancel()
	}

	subsDone := make(chan struct{})
	go func() {
		c.subWG.Wait()
		close(subsDone)
	}()
	select {
	case <-subsDone:
	case <-graceCtx.Done():
		c.logger.Warn("Some subscribers did not stop in time")
	}

	c.ready.Store(false)

	var errs []error
	if err := c.publisher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	if err := c.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	c.logger.Info("Coordinator stopped")
	return errors.Join(errs...)
}
