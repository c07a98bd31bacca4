package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/subscriber"
	"github.com/shubham-shewale/ratehub/pkg/cache"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

type Published struct {
	Kind models.UpdateKind
	Rate models.Rate
}

type MockPublisher struct {
	Mu         sync.Mutex
	Records    []Published
	Closed     int
	ShouldFail bool
}

func (m *MockPublisher) Publish(kind models.UpdateKind, rate models.Rate) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("publish queue full")
	}
	m.Records = append(m.Records, Published{Kind: kind, Rate: rate})
	return nil
}

func (m *MockPublisher) Close(ctx context.Context) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed++
	return nil
}

// Names returns the rate names published with kind, in order
func (m *MockPublisher) Names(kind models.UpdateKind) []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []string
	for _, r := range m.Records {
		if r.Kind == kind {
			out = append(out, r.Rate.RateName)
		}
	}
	return out
}

// Rates returns the published values for one rate name, in order
func (m *MockPublisher) Rates(name string) []models.Rate {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []models.Rate
	for _, r := range m.Records {
		if r.Rate.RateName == name {
			out = append(out, r.Rate)
		}
	}
	return out
}

// MockSubscriber replays Ticks, then returns Err or waits for cancellation
type MockSubscriber struct {
	NameVal string
	Ticks   []models.RawTick
	Err     error

	stopOnce sync.Once
	stopped  chan struct{}
	mu       sync.Mutex
	Stops    int
}

func NewMockSubscriber(name string, ticks []models.RawTick, err error) *MockSubscriber {
	return &MockSubscriber{NameVal: name, Ticks: ticks, Err: err, stopped: make(chan struct{})}
}

func (m *MockSubscriber) Name() string { return m.NameVal }

func (m *MockSubscriber) Start(ctx context.Context, sink subscriber.TickSink) error {
	for _, t := range m.Ticks {
		sink(t)
	}
	if m.Err != nil {
		return m.Err
	}
	select {
	case <-ctx.Done():
	case <-m.stopped:
	}
	return nil
}

func (m *MockSubscriber) Stop() {
	m.mu.Lock()
	m.Stops++
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stopped) })
}

// FailingCache wraps a cache and fails writes to the listed regions
type FailingCache struct {
	cache.DistributedCache
	Mu        sync.Mutex
	FailPuts  map[cache.Region]error
	CloseCall int
}

func (f *FailingCache) Put(ctx context.Context, region cache.Region, key string, rate models.Rate) error {
	f.Mu.Lock()
	err := f.FailPuts[region]
	f.Mu.Unlock()
	if err != nil {
		return &cache.PropagationError{Op: "put", Region: region, Key: key, Err: err}
	}
	return f.DistributedCache.Put(ctx, region, key, rate)
}

func (f *FailingCache) SetFailure(region cache.Region, err error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if f.FailPuts == nil {
		f.FailPuts = make(map[cache.Region]error)
	}
	f.FailPuts[region] = err
}

func (f *FailingCache) Close() error {
	f.Mu.Lock()
	f.CloseCall++
	f.Mu.Unlock()
	return f.DistributedCache.Close()
}

// Tick builds a raw tick with the given prices
func Tick(name, bid, ask string, ts time.Time) models.RawTick {
	return models.RawTick{
		RateName:  name,
		Bid:       decimal.RequireFromString(bid),
		Ask:       decimal.RequireFromString(ask),
		Timestamp: ts,
	}
}
