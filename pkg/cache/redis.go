package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

const (
	keyPrefix     = "ratehub:"
	channelPrefix = "rates."
	membersSuffix = "members"
	statusSuffix  = ":state"
)

// Compile-time check to ensure RedisCache implements DistributedCache
var _ DistributedCache = (*RedisCache)(nil)

// RedisCache keeps each region in a Redis hash scoped to the cluster name.
// Every Put also publishes the wire record on a per-rate channel so other
// members (the gateway) can stream updates without polling.
type RedisCache struct {
	client   redis.UniversalClient
	cluster  string
	memberID string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewRedisCache(client redis.UniversalClient, cluster, memberID string) *RedisCache {
	return &RedisCache{
		client:   client,
		cluster:  cluster,
		memberID: memberID,
	}
}

// RegionKey is the Redis hash holding a region for the given cluster
func RegionKey(cluster string, region Region) string {
	return keyPrefix + cluster + ":" + string(region)
}

// StatusKey is the Redis hash holding the status flags of a region
func StatusKey(cluster string, region Region) string {
	return RegionKey(cluster, region) + statusSuffix
}

// UpdateChannel is the pub/sub channel carrying wire records for one rate name
func UpdateChannel(cluster, rateName string) string {
	return keyPrefix + cluster + ":" + channelPrefix + rateName
}

// UpdateChannelPrefix is the channel prefix shared by every rate of the cluster
func UpdateChannelPrefix(cluster string) string {
	return keyPrefix + cluster + ":" + channelPrefix
}

func (r *RedisCache) usable(region Region) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return validRegion(region)
}

func (r *RedisCache) membersKey() string {
	return keyPrefix + r.cluster + ":" + membersSuffix
}

// Join checks connectivity and registers this process as a cluster member
func (r *RedisCache) Join(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if r.memberID == "" {
		return nil
	}
	return r.client.SAdd(ctx, r.membersKey(), r.memberID).Err()
}

// Members lists the registered cluster members
func (r *RedisCache) Members(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.membersKey()).Result()
}

func (r *RedisCache) Put(ctx context.Context, region Region, key string, rate models.Rate) error {
	if err := r.usable(region); err != nil {
		return err
	}
	payload, err := json.Marshal(rate)
	if err != nil {
		return fmt.Errorf("encode rate %s: %w", key, err)
	}

	// Atomic HSET + PUBLISH
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, RegionKey(r.cluster, region), key, payload) // no TTL: entries live until overwritten or removed
		pipe.Publish(ctx, UpdateChannel(r.cluster, key), rate.Wire())
		return nil
	})
	return err
}

func (r *RedisCache) Get(ctx context.Context, region Region, key string) (models.Rate, bool, error) {
	if err := r.usable(region); err != nil {
		return models.Rate{}, false, err
	}
	raw, err := r.client.HGet(ctx, RegionKey(r.cluster, region), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Rate{}, false, nil
	}
	if err != nil {
		return models.Rate{}, false, err
	}

	var rate models.Rate
	if err := json.Unmarshal(raw, &rate); err != nil {
		return models.Rate{}, false, fmt.Errorf("decode rate %s: %w", key, err)
	}
	return rate, true, nil
}

func (r *RedisCache) Remove(ctx context.Context, region Region, key string) error {
	if err := r.usable(region); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, RegionKey(r.cluster, region), key)
		pipe.HDel(ctx, StatusKey(r.cluster, region), key)
		return nil
	})
	return err
}

func (r *RedisCache) SetStatus(ctx context.Context, region Region, key string, status Status) error {
	if err := r.usable(region); err != nil {
		return err
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status %s: %w", key, err)
	}
	return r.client.HSet(ctx, StatusKey(r.cluster, region), key, payload).Err()
}

func (r *RedisCache) GetStatus(ctx context.Context, region Region, key string) (Status, bool, error) {
	if err := r.usable(region); err != nil {
		return Status{}, false, err
	}
	raw, err := r.client.HGet(ctx, StatusKey(r.cluster, region), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}

	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Status{}, false, fmt.Errorf("decode status %s: %w", key, err)
	}
	return status, true, nil
}

// Snapshot fetches every entry of a region (HGETALL)
func (r *RedisCache) Snapshot(ctx context.Context, region Region) (map[string]models.Rate, error) {
	if err := r.usable(region); err != nil {
		return nil, err
	}
	entries, err := r.client.HGetAll(ctx, RegionKey(r.cluster, region)).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Rate, len(entries))
	for key, raw := range entries {
		var rate models.Rate
		if err := json.Unmarshal([]byte(raw), &rate); err != nil {
			return nil, fmt.Errorf("decode rate %s: %w", key, err)
		}
		out[key] = rate
	}
	return out, nil
}

// Close leaves the cluster and releases the client. Safe to call more than once.
func (r *RedisCache) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.memberID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.client.SRem(ctx, r.membersKey(), r.memberID).Err(); err != nil {
				r.closeErr = fmt.Errorf("leave cluster: %w", err)
			}
			cancel()
		}
		if err := r.client.Close(); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
	})
	return r.closeErr
}
