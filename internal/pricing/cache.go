package pricing

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tokensim/trade-engine/internal/model"
)

// TickLRU is the bounded in-process tick cache. Reads touch the entry
// (recency reorder); inserts past capacity evict the least-recently-used
// entry. A tick only replaces an existing entry when captured later, so
// arrival order never wins over capture time.
type TickLRU struct {
	mu sync.Mutex
	c  *lru.Cache[string, model.PriceTick]
}

// NewTickLRU creates a cache holding at most capacity ticks.
func NewTickLRU(capacity int) (*TickLRU, error) {
	c, err := lru.New[string, model.PriceTick](capacity)
	if err != nil {
		return nil, err
	}
	return &TickLRU{c: c}, nil
}

// Get returns the cached tick, touching it as most recently used.
func (l *TickLRU) Get(instrument string) (model.PriceTick, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Get(instrument)
}

// Put stores the tick unless a newer one is already cached. The
// check-then-add is done under the cache lock so concurrent writers cannot
// clobber a newer tick with an older one.
func (l *TickLRU) Put(tick model.PriceTick) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.c.Peek(tick.Instrument); ok {
		if !existing.CapturedAt.Before(tick.CapturedAt) {
			return
		}
	}
	l.c.Add(tick.Instrument, tick)
}

// Len reports the number of cached ticks.
func (l *TickLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
