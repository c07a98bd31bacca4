package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

// Region is a logically independent map inside the distributed cache
type Region string

const (
	RegionRawTicks  Region = "rawTicks"
	RegionCalcRates Region = "calcRates"
)

// Regions lists every region provisioned at startup
var Regions = []Region{RegionRawTicks, RegionCalcRates}

var (
	// ErrClosed is returned by operations on a cache whose membership was released
	ErrClosed = errors.New("cache closed")

	// ErrUnknownRegion is returned for a region that was never provisioned
	ErrUnknownRegion = errors.New("unknown cache region")
)

// Status is the lifecycle flag stored beside a cached value, so readers on
// any member can tell a failing rate from a current one
type Status struct {
	State models.RateState `json:"state"`
	Err   string           `json:"error,omitempty"`
}

// DistributedCache is a cluster-replicated rate store. Entries never expire.
// Once Put returns, a Get for the same key on any member observes the value.
// Remove drops both the value and its status.
type DistributedCache interface {
	Put(ctx context.Context, region Region, key string, rate models.Rate) error
	Get(ctx context.Context, region Region, key string) (models.Rate, bool, error)
	SetStatus(ctx context.Context, region Region, key string, status Status) error
	GetStatus(ctx context.Context, region Region, key string) (Status, bool, error)
	Remove(ctx context.Context, region Region, key string) error
	Snapshot(ctx context.Context, region Region) (map[string]models.Rate, error)
	Close() error
}

// View reads what a cluster member sees for key: the last good value plus its
// status. A value without a recorded status is reported as AVAILABLE.
func View(ctx context.Context, c DistributedCache, region Region, key string) (models.RateView, error) {
	view := models.RateView{Rate: models.Rate{RateName: key}, State: models.StateUnknown}

	rate, ok, err := c.Get(ctx, region, key)
	if err != nil {
		return view, err
	}
	if ok {
		view.Rate, view.HasValue, view.State = rate, true, models.StateAvailable
	}

	status, ok, err := c.GetStatus(ctx, region, key)
	if err != nil {
		return view, err
	}
	if ok {
		view.State, view.Err = status.State, status.Err
	}
	return view, nil
}

// PropagationError reports a cache operation that kept failing after retries
type PropagationError struct {
	Op     string
	Region Region
	Key    string
	Err    error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("cache %s %s/%s: %v", e.Op, e.Region, e.Key, e.Err)
}

func (e *PropagationError) Unwrap() error {
	return e.Err
}

func validRegion(region Region) error {
	switch region {
	case RegionRawTicks, RegionCalcRates:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}
}
