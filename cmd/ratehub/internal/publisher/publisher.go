package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

const maxBatch = 100

var (
	ErrQueueFull = errors.New("publish queue full")
	ErrClosed    = errors.New("publisher closed")
)

// Topics maps each update kind to its outbound topic
type Topics struct {
	Raw        string
	Calculated string
}

func (t Topics) For(kind models.UpdateKind) string {
	if kind == models.UpdateCalculated {
		return t.Calculated
	}
	return t.Raw
}

// Option customizes a Publisher
type Option func(*Publisher)

// WithDropHook is invoked for every update that could not be enqueued
func WithDropHook(fn func(models.UpdateKind)) Option {
	return func(p *Publisher) { p.onDrop = fn }
}

// Publisher appends wire records to the raw and calculated topics.
// Publish only enqueues; a single drain goroutine feeds the writer, so
// records for one rate name leave in the order they were published.
type Publisher struct {
	writer KafkaWriter
	topics Topics
	logger *zap.Logger
	onDrop func(models.UpdateKind)

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func New(writer KafkaWriter, topics Topics, queueSize int, logger *zap.Logger, opts ...Option) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Publisher{
		writer: writer,
		topics: topics,
		logger: logger,
		queue:  make(chan kafka.Message, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.drain()
	return p
}

// NewKafkaWriter builds the production writer. Hashing on the rate name keeps
// every record of one rate on one partition.
func NewKafkaWriter(brokers []string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    maxBatch,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  10,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Kafka batch delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
}

// Publish never blocks. A failure is logged and returned but never affects the cache.
func (p *Publisher) Publish(kind models.UpdateKind, rate models.Rate) error {
	msg := kafka.Message{
		Topic: p.topics.For(kind),
		Key:   []byte(rate.RateName),
		Value: []byte(rate.Wire()),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped(kind, rate.RateName, ErrClosed)
		return ErrClosed
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		p.dropped(kind, rate.RateName, ErrQueueFull)
		return ErrQueueFull
	}
}

func (p *Publisher) dropped(kind models.UpdateKind, rateName string, err error) {
	p.logger.Warn("Dropping outbound update",
		zap.String("kind", kind.String()),
		zap.String("rate", rateName),
		zap.Error(err),
	)
	if p.onDrop != nil {
		p.onDrop(kind)
	}
}

func (p *Publisher) drain() {
	defer close(p.done)
	ctx := context.Background() // never cancel mid-write; Close waits for the drain

	batch := make([]kafka.Message, 0, maxBatch)
	for msg := range p.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			p.logger.Error("Kafka Write Error", zap.Int("messages", len(batch)), zap.Error(err))
		}
	}
}

// Close stops accepting updates, flushes what is queued and closes the writer.
// Safe to call more than once.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		select {
		case <-p.done:
		case <-ctx.Done():
			p.logger.Warn("Publisher flush interrupted", zap.Int("pending", len(p.queue)))
		}

		if err := p.writer.Close(); err != nil {
			p.closeErr = err
		}
	})
	return p.closeErr
}
