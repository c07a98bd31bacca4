package subscriber

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/config"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

var ErrUnknownType = errors.New("unknown subscriber type")

// TickSink receives every tick a subscriber produces. It must not block for long.
type TickSink func(models.RawTick)

// Subscriber produces a possibly unbounded stream of raw ticks.
// Start blocks until the stream ends, ctx is cancelled or Stop is called;
// a nil return means a clean stop.
type Subscriber interface {
	Name() string
	Start(ctx context.Context, sink TickSink) error
	Stop()
}

// Failure is a stream-level error isolated to one subscriber
type Failure struct {
	Subscriber string
	Err        error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("subscriber %s failed: %v", e.Subscriber, e.Err)
}

func (e *Failure) Unwrap() error { return e.Err }

// for deterministic testing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// for deterministic values
type Rand interface {
	Intn(n int) int
	Float64() float64
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

type RealRand struct{ *rand.Rand }

func (r RealRand) Intn(n int) int   { return r.Rand.Intn(n) }
func (r RealRand) Float64() float64 { return r.Rand.Float64() }

// Factory builds one plugin instance from its configuration entry
type Factory func(cfg config.SubscriberConfig, logger *zap.Logger) (Subscriber, error)

// Loader instantiates subscribers by their configured type
type Loader struct {
	logger    *zap.Logger
	factories map[string]Factory
}

// NewLoader returns a loader with every built-in plugin registered
func NewLoader(logger *zap.Logger) *Loader {
	l := &Loader{
		logger:    logger,
		factories: make(map[string]Factory),
	}
	l.Register(TypeSimulator, NewSimulatorFromConfig)
	l.Register(TypeREST, NewRESTPollerFromConfig)
	l.Register(TypeTCP, NewTCPFeedFromConfig)
	l.Register(TypeWebSocket, NewWebSocketFeedFromConfig)
	l.Register(TypeKafka, NewKafkaFeedFromConfig)
	return l
}

func (l *Loader) Register(typ string, f Factory) {
	l.factories[typ] = f
}

func (l *Loader) Types() []string {
	types := make([]string, 0, len(l.factories))
	for t := range l.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Load builds every configured subscriber. Any bad entry fails the whole load;
// nothing is started here.
func (l *Loader) Load(cfgs []config.SubscriberConfig) ([]Subscriber, error) {
	subs := make([]Subscriber, 0, len(cfgs))
	for i, cfg := range cfgs {
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("%s-%d", cfg.Type, i)
		}
		factory, ok := l.factories[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("subscriber %s: %w %q (known: %v)", cfg.Name, ErrUnknownType, cfg.Type, l.Types())
		}
		sub, err := factory(cfg, l.logger.With(zap.String("subscriber", cfg.Name)))
		if err != nil {
			return nil, fmt.Errorf("subscriber %s: %w", cfg.Name, err)
		}
		l.logger.Info("Subscriber loaded", zap.String("name", cfg.Name), zap.String("type", cfg.Type))
		subs = append(subs, sub)
	}
	return subs, nil
}

// lifecycle is embedded by every plugin to implement Name and Stop
type lifecycle struct {
	name     string
	logger   *zap.Logger
	stopOnce sync.Once
	stopped  chan struct{}
}

func newLifecycle(name string, logger *zap.Logger) *lifecycle {
	return &lifecycle{name: name, logger: logger, stopped: make(chan struct{})}
}

func (l *lifecycle) Name() string { return l.name }

func (l *lifecycle) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

// scope returns a context cancelled by either the parent or Stop
func (l *lifecycle) scope(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-l.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// wants reports whether a tick for rateName passes the configured rate filter
func wants(filter map[string]struct{}, rateName string) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[rateName]
	return ok
}

func rateFilter(rates []string) map[string]struct{} {
	set := make(map[string]struct{}, len(rates))
	for _, r := range rates {
		set[r] = struct{}{}
	}
	return set
}
