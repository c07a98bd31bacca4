package coordinator

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// TickHandler processes one tick on a worker
type TickHandler func(ctx context.Context, tick models.RawTick)

// Dispatcher shards ticks over a fixed pool of workers. The same rate name
// always lands on the same worker, so per-rate order is preserved while
// different rates run in parallel.
type Dispatcher struct {
	logger  *zap.Logger
	handler TickHandler
	chans   []chan models.RawTick
	wg      sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	quit      chan struct{}
	closeOnce sync.Once
	drained   chan struct{}
}

func NewDispatcher(numWorkers, queueSize int, handler TickHandler, logger *zap.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	d := &Dispatcher{
		logger:  logger,
		handler: handler,
		chans:   make([]chan models.RawTick, numWorkers),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	for i := range d.chans {
		d.chans[i] = make(chan models.RawTick, queueSize)
	}
	return d
}

// Start launches the workers; ctx is handed to every handler call
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.chans {
		d.wg.Add(1)
		go d.worker(ctx, i, ch)
	}
	go func() {
		d.wg.Wait()
		close(d.drained)
	}()
	d.logger.Info("Dispatcher Started", zap.Int("workers", len(d.chans)))
}

// Dispatch enqueues tick on its worker. A full queue applies backpressure
// to the caller until there is room, ctx ends or the dispatcher closes.
func (d *Dispatcher) Dispatch(ctx context.Context, tick models.RawTick) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	workerID := getWorkerID(tick.RateName, len(d.chans))
	select {
	case d.chans[workerID] <- tick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrDispatcherClosed
	}
}

// Close stops accepting ticks; queued ticks are still processed
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.mu.Lock()
		d.closed = true
		for _, ch := range d.chans {
			close(ch)
		}
		d.mu.Unlock()
	})
}

// Wait blocks until every queued tick was handled or ctx ends
func (d *Dispatcher) Wait(ctx context.Context) error {
	select {
	case <-d.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int, ticks <-chan models.RawTick) {
	defer d.wg.Done()
	for tick := range ticks {
		d.handler(ctx, tick)
	}
	d.logger.Debug("Worker drained", zap.Int("worker_id", id))
}

func getWorkerID(key string, numWorkers int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(numWorkers))
}
