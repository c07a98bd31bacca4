package repository

import (
	"context"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

// Snapshot is the last known state of one rate name. Record is the wire
// record of the last good value and is empty if the rate never had one.
type Snapshot struct {
	RateName string
	Record   string
	State    models.RateState
	Err      string
}

// RateStore is the gateway's view of the hub cluster: last known values
// plus a live stream of updates per rate name.
type RateStore interface {
	GetSnapshots(ctx context.Context, rateNames []string) ([]Snapshot, error)
	SubscribeToFeed(ctx context.Context, rateName string) error
	UnsubscribeFromFeed(ctx context.Context, rateName string) error
	RunPubSub(ctx context.Context, onMessage func(rateName string, payload string))
	Close() error
}
