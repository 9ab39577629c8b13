package admission

import (
	"sync"
)

// Controller caps the number of concurrent connections per origin address.
// Counts live only in memory; they are rebuilt naturally as clients
// reconnect after a restart.
type Controller struct {
	mu     sync.Mutex
	counts map[string]int
	limit  int
}

// NewController creates a controller allowing limit concurrent connections
// per origin.
func NewController(limit int) *Controller {
	return &Controller{
		counts: make(map[string]int),
		limit:  limit,
	}
}

// TryAdmit reserves a slot for origin. It returns false without counting
// the attempt when the origin is at its limit; the caller must then refuse
// the connection.
func (c *Controller) TryAdmit(origin string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[origin] >= c.limit {
		return false
	}
	c.counts[origin]++
	return true
}

// Release frees a slot previously reserved by TryAdmit. Entries that reach
// zero are removed so idle origins cost no memory.
func (c *Controller) Release(origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[origin]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.counts, origin)
		return
	}
	c.counts[origin] = n - 1
}

// Active returns the current connection count for origin.
func (c *Controller) Active(origin string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[origin]
}

// Origins returns the number of origins currently tracked.
func (c *Controller) Origins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}
