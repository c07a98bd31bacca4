package coordinator

import (
	"sync"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

type stateEntry struct {
	state    models.RateState
	rate     models.Rate
	hasValue bool
	err      string
}

// states tracks the lifecycle of every rate name. Values are the last ones
// successfully written to the cache.
type states struct {
	mu      sync.RWMutex
	entries map[string]*stateEntry
}

func newStates() *states {
	return &states{entries: make(map[string]*stateEntry)}
}

func (s *states) entry(name string) *stateEntry {
	e, ok := s.entries[name]
	if !ok {
		e = &stateEntry{state: models.StateUnknown, rate: models.Rate{RateName: name}}
		s.entries[name] = e
	}
	return e
}

func (s *states) register(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.entry(n)
	}
}

// stored records a successful cache write. It reports whether the rate was
// UNKNOWN or ERROR before, which is when the shared status has to change.
func (s *states) stored(rate models.Rate, state models.RateState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(rate.RateName)
	recovered := e.state == models.StateUnknown || e.state == models.StateError
	e.state = state
	e.rate = rate
	e.hasValue = true
	e.err = ""
	return recovered
}

// settle collapses UPDATED back to AVAILABLE once propagation is over
func (s *states) settle(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entry(name); e.state == models.StateUpdated {
		e.state = models.StateAvailable
	}
}

// failed flags name as ERROR and keeps its last good value. It reports
// whether the flag or its message changed.
func (s *states) failed(name string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(name)
	changed := e.state != models.StateError || e.err != err.Error()
	e.state = models.StateError
	e.err = err.Error()
	return changed
}

// usable returns the last good value for name; a rate that never had one is unusable
func (s *states) usable(name string) (models.Rate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok || !e.hasValue {
		return models.Rate{}, false
	}
	return e.rate, true
}

func (s *states) view(name string) models.RateView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return models.RateView{State: models.StateUnknown, Rate: models.Rate{RateName: name}}
	}
	return models.RateView{Rate: e.rate, State: e.state, HasValue: e.hasValue, Err: e.err}
}
