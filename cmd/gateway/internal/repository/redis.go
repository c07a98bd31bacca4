package repository

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/shubham-shewale/ratehub/pkg/cache"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

// Compile-time check to ensure RedisStore implements RateStore
var _ RateStore = (*RedisStore)(nil)

// RedisStore reads the hub's cache regions and follows its per-rate channels.
// It joins no cluster membership: the gateway is a reader only.
type RedisStore struct {
	rates   *cache.RedisCache
	cluster string
	pubsub  *redis.PubSub
	mu      sync.Mutex // serializes (un)subscribe calls on the shared PubSub
}

func NewRedisStore(client *redis.Client, cluster string) *RedisStore {
	return &RedisStore{
		rates:   cache.NewRedisCache(client, cluster, ""),
		cluster: cluster,
		pubsub:  client.Subscribe(context.Background()),
	}
}

// GetSnapshots returns what the cluster knows of each rate. Calculated values
// take precedence over raw ticks for the same name; names the cluster has
// never seen are skipped.
func (r *RedisStore) GetSnapshots(ctx context.Context, rateNames []string) ([]Snapshot, error) {
	var snapshots []Snapshot
	for _, name := range rateNames {
		snap, ok, err := r.lookup(ctx, name)
		if err != nil {
			return snapshots, err
		}
		if ok {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots, nil
}

func (r *RedisStore) lookup(ctx context.Context, name string) (Snapshot, bool, error) {
	var errs []error
	for _, region := range []cache.Region{cache.RegionCalcRates, cache.RegionRawTicks} {
		view, err := cache.View(ctx, r.rates, region, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !view.HasValue && view.State == models.StateUnknown {
			continue
		}
		snap := Snapshot{RateName: name, State: view.State, Err: view.Err}
		if view.HasValue {
			snap.Record = view.Rate.Wire()
		}
		return snap, true, nil
	}
	return Snapshot{}, false, errors.Join(errs...)
}

func (r *RedisStore) SubscribeToFeed(ctx context.Context, rateName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub.Subscribe(ctx, cache.UpdateChannel(r.cluster, rateName))
}

func (r *RedisStore) UnsubscribeFromFeed(ctx context.Context, rateName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub.Unsubscribe(ctx, cache.UpdateChannel(r.cluster, rateName))
}

// RunPubSub blocks, handing every update to onMessage until ctx ends or the store is closed
func (r *RedisStore) RunPubSub(ctx context.Context, onMessage func(rateName string, payload string)) {
	prefix := cache.UpdateChannelPrefix(r.cluster)
	ch := r.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			name, found := strings.CutPrefix(msg.Channel, prefix)
			if !found || name == "" {
				continue
			}
			onMessage(name, msg.Payload)
		}
	}
}

func (r *RedisStore) Close() error {
	if err := r.pubsub.Close(); err != nil {
		return err
	}
	return r.rates.Close()
}
