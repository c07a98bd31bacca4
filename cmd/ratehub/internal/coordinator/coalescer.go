package coordinator

import "sync"

// coalescer serializes recomputation of one calculated rate. A trigger that
// arrives while an evaluation is in flight is folded into a single re-run.
type coalescer struct {
	mu      sync.Mutex
	running bool
	dirty   bool
}

// run executes fn, then once more for each batch of triggers that arrived
// meanwhile. It returns false when the trigger was handed to the in-flight run.
func (c *coalescer) run(fn func()) bool {
	c.mu.Lock()
	if c.running {
		c.dirty = true
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.mu.Unlock()

	for {
		fn()

		c.mu.Lock()
		if !c.dirty {
			c.running = false
			c.mu.Unlock()
			return true
		}
		c.dirty = false
		c.mu.Unlock()
	}
}
