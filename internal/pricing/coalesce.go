package pricing

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coalescer deduplicates concurrent computations for the same key and keeps
// the result for a short TTL. At most one computation per key is in flight;
// all concurrent callers receive the same result or the same error. Used for
// aggregate views (a user's portfolio valuation) that must be invalidated as
// soon as a trade lands.
type Coalescer struct {
	flight singleflight.Group
	ttl    time.Duration

	mu      sync.Mutex
	results map[string]coalesced
	gens    map[string]uint64
	now     func() time.Time
}

type coalesced struct {
	value any
	at    time.Time
}

// NewCoalescer creates a coalescer caching successful results for ttl.
func NewCoalescer(ttl time.Duration) *Coalescer {
	return &Coalescer{
		ttl:     ttl,
		results: make(map[string]coalesced),
		gens:    make(map[string]uint64),
		now:     time.Now,
	}
}

// Do returns the cached result if fresh, otherwise runs fn — once — for all
// concurrent callers of the same key. Errors are delivered to every waiter
// and are not cached, so the next caller retries.
func (c *Coalescer) Do(key string, fn func() (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.results[key]; ok && c.now().Sub(e.at) <= c.ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	gen := c.gens[key]
	c.mu.Unlock()

	v, err, _ := c.flight.Do(key, fn)
	if err != nil {
		return nil, err
	}

	// An Invalidate while the computation ran means the result may predate
	// the mutation that invalidated the key: deliver it to the callers that
	// asked before the mutation, but never cache it.
	c.mu.Lock()
	if c.gens[key] == gen {
		c.results[key] = coalesced{value: v, at: c.now()}
	}
	c.mu.Unlock()
	return v, nil
}

// Invalidate evicts the cached result, forgets any in-flight computation so
// the next Do starts fresh, and marks in-flight results as uncacheable.
// Called after every settlement for the owner's dependent aggregate keys.
func (c *Coalescer) Invalidate(key string) {
	c.flight.Forget(key)
	c.mu.Lock()
	delete(c.results, key)
	c.gens[key]++
	c.mu.Unlock()
}
