package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/config"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

const TypeKafka = "kafka"

// KafkaReader abstracts the input stream
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaFeed consumes ticks from an upstream topic. Values are either a JSON
// tick or a pipe-delimited tick record.
type KafkaFeed struct {
	*lifecycle
	reader KafkaReader
	rates  []string

	retryInitial time.Duration
	retryMax     time.Duration
}

type KafkaOption func(*KafkaFeed)

// WithReadBackoff bounds the wait between failed reads
func WithReadBackoff(initial, maxWait time.Duration) KafkaOption {
	return func(f *KafkaFeed) {
		f.retryInitial = initial
		f.retryMax = maxWait
	}
}

func NewKafkaFeed(name string, logger *zap.Logger, reader KafkaReader, rates []string, opts ...KafkaOption) *KafkaFeed {
	f := &KafkaFeed{
		lifecycle:    newLifecycle(name, logger),
		reader:       reader,
		rates:        rates,
		retryInitial: 100 * time.Millisecond,
		retryMax:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func NewKafkaFeedFromConfig(cfg config.SubscriberConfig, logger *zap.Logger) (Subscriber, error) {
	p := Params(cfg.Params)
	if err := p.Require("brokers", "topic"); err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  p.Strings("brokers"),
		Topic:    p.String("topic", ""),
		GroupID:  p.String("group_id", "ratehub-"+cfg.Name),
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewKafkaFeed(cfg.Name, logger, reader, cfg.Rates,
		WithReadBackoff(p.Duration("retry_initial", 100*time.Millisecond), p.Duration("retry_max", 5*time.Second)),
	), nil
}

func (f *KafkaFeed) Start(ctx context.Context, sink TickSink) error {
	ctx, cancel := f.scope(ctx)
	defer cancel()
	defer f.reader.Close()

	f.logger.Info("Kafka feed started", zap.Strings("rates", f.rates))

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = f.retryInitial
	retry.MaxInterval = f.retryMax
	retry.MaxElapsedTime = 0 // keep retrying until stopped

	filter := rateFilter(f.rates)
	for {
		m, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("reader closed: %w", err)
			}
			wait := retry.NextBackOff()
			f.logger.Error("Kafka Read Error", zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		tick, err := decodeRecord(m.Value)
		if err != nil {
			f.logger.Warn("Skipping malformed message", zap.String("key", string(m.Key)), zap.Error(err))
			continue
		}
		if wants(filter, tick.RateName) {
			sink(tick)
		}
	}
}

func decodeRecord(value []byte) (models.RawTick, error) {
	value = bytes.TrimSpace(value)
	if len(value) > 0 && value[0] == '{' {
		var tick models.RawTick
		if err := json.Unmarshal(value, &tick); err != nil {
			return models.RawTick{}, err
		}
		if tick.RateName == "" {
			return models.RawTick{}, models.ErrMalformedRecord
		}
		return tick, nil
	}
	return models.ParseTickRecord(string(value))
}
