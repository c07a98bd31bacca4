package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

// RetryPolicy bounds the exponential backoff applied to transient cache failures
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy gives up after roughly five seconds
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		MaxElapsedTime:  5 * time.Second,
	}
}

// Retrying wraps a DistributedCache and retries failed reads and writes.
// Failures that outlive the policy surface as *PropagationError.
type Retrying struct {
	inner  DistributedCache
	policy RetryPolicy
	logger *zap.Logger
}

var _ DistributedCache = (*Retrying)(nil)

func NewRetrying(inner DistributedCache, policy RetryPolicy, logger *zap.Logger) *Retrying {
	return &Retrying{inner: inner, policy: policy, logger: logger}
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

func (r *Retrying) notify(op string, region Region, key string) backoff.Notify {
	return func(err error, wait time.Duration) {
		r.logger.Warn("Cache operation failed, retrying",
			zap.String("op", op),
			zap.String("region", string(region)),
			zap.String("key", key),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrUnknownRegion) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func (r *Retrying) Put(ctx context.Context, region Region, key string, rate models.Rate) error {
	err := backoff.RetryNotify(func() error {
		return classify(r.inner.Put(ctx, region, key, rate))
	}, r.backOff(ctx), r.notify("put", region, key))
	if err != nil {
		return &PropagationError{Op: "put", Region: region, Key: key, Err: err}
	}
	return nil
}

type getResult struct {
	rate models.Rate
	ok   bool
}

func (r *Retrying) Get(ctx context.Context, region Region, key string) (models.Rate, bool, error) {
	res, err := backoff.RetryNotifyWithData(func() (getResult, error) {
		rate, ok, err := r.inner.Get(ctx, region, key)
		return getResult{rate: rate, ok: ok}, classify(err)
	}, r.backOff(ctx), r.notify("get", region, key))
	if err != nil {
		return models.Rate{}, false, &PropagationError{Op: "get", Region: region, Key: key, Err: err}
	}
	return res.rate, res.ok, nil
}

func (r *Retrying) SetStatus(ctx context.Context, region Region, key string, status Status) error {
	err := backoff.RetryNotify(func() error {
		return classify(r.inner.SetStatus(ctx, region, key, status))
	}, r.backOff(ctx), r.notify("set status", region, key))
	if err != nil {
		return &PropagationError{Op: "set status", Region: region, Key: key, Err: err}
	}
	return nil
}

type statusResult struct {
	status Status
	ok     bool
}

func (r *Retrying) GetStatus(ctx context.Context, region Region, key string) (Status, bool, error) {
	res, err := backoff.RetryNotifyWithData(func() (statusResult, error) {
		status, ok, err := r.inner.GetStatus(ctx, region, key)
		return statusResult{status: status, ok: ok}, classify(err)
	}, r.backOff(ctx), r.notify("get status", region, key))
	if err != nil {
		return Status{}, false, &PropagationError{Op: "get status", Region: region, Key: key, Err: err}
	}
	return res.status, res.ok, nil
}

func (r *Retrying) Remove(ctx context.Context, region Region, key string) error {
	err := backoff.RetryNotify(func() error {
		return classify(r.inner.Remove(ctx, region, key))
	}, r.backOff(ctx), r.notify("remove", region, key))
	if err != nil {
		return &PropagationError{Op: "remove", Region: region, Key: key, Err: err}
	}
	return nil
}

// Snapshot is not retried; it serves bulk readers that can simply ask again
func (r *Retrying) Snapshot(ctx context.Context, region Region) (map[string]models.Rate, error) {
	return r.inner.Snapshot(ctx, region)
}

func (r *Retrying) Close() error {
	return r.inner.Close()
}
