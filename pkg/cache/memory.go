package cache

import (
	"context"
	"sync"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

// Compile-time check to ensure MemoryCache implements DistributedCache
var _ DistributedCache = (*MemoryCache)(nil)

// MemoryCache is the single-instance cache: one process, no replication
type MemoryCache struct {
	mu       sync.RWMutex
	regions  map[Region]map[string]models.Rate
	statuses map[Region]map[string]Status
	closed   bool
}

func NewMemoryCache() *MemoryCache {
	regions := make(map[Region]map[string]models.Rate, len(Regions))
	statuses := make(map[Region]map[string]Status, len(Regions))
	for _, r := range Regions {
		regions[r] = make(map[string]models.Rate)
		statuses[r] = make(map[string]Status)
	}
	return &MemoryCache{regions: regions, statuses: statuses}
}

func (m *MemoryCache) Put(ctx context.Context, region Region, key string, rate models.Rate) error {
	if err := validRegion(region); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.regions[region][key] = rate
	return nil
}

func (m *MemoryCache) Get(ctx context.Context, region Region, key string) (models.Rate, bool, error) {
	if err := validRegion(region); err != nil {
		return models.Rate{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return models.Rate{}, false, ErrClosed
	}
	rate, ok := m.regions[region][key]
	return rate, ok, nil
}

func (m *MemoryCache) Remove(ctx context.Context, region Region, key string) error {
	if err := validRegion(region); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.regions[region], key)
	delete(m.statuses[region], key)
	return nil
}

func (m *MemoryCache) SetStatus(ctx context.Context, region Region, key string, status Status) error {
	if err := validRegion(region); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.statuses[region][key] = status
	return nil
}

func (m *MemoryCache) GetStatus(ctx context.Context, region Region, key string) (Status, bool, error) {
	if err := validRegion(region); err != nil {
		return Status{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Status{}, false, ErrClosed
	}
	status, ok := m.statuses[region][key]
	return status, ok, nil
}

func (m *MemoryCache) Snapshot(ctx context.Context, region Region) (map[string]models.Rate, error) {
	if err := validRegion(region); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]models.Rate, len(m.regions[region]))
	for k, v := range m.regions[region] {
		out[k] = v
	}
	return out, nil
}

// Close is idempotent
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
