// Package results keeps the most recent worker results of every session in memory.
package results

import (
	"container/list"
	"sync"

	"github.com/agentease/streamrelay/internal/buffer"
	"github.com/agentease/streamrelay/internal/model"
)

const (
	// DefaultCapacity is the number of results retained per session.
	DefaultCapacity = 100

	// DefaultMaxRetained is the number of ended sessions whose results stay
	// readable.
	DefaultMaxRetained = 1000
)

// Cache maps a session ID to a bounded, arrival-ordered list of results.
// Ended sessions are retired and evicted oldest first once more than
// maxRetained of them are kept.
type Cache struct {
	capacity    int
	maxRetained int

	mu      sync.RWMutex
	rings   map[string]*buffer.Ring[model.Result]
	retired *list.List
	index   map[string]*list.Element
}

// Option customises a Cache.
type Option func(*Cache)

// WithMaxRetained bounds the number of ended sessions kept in the cache.
func WithMaxRetained(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxRetained = n
		}
	}
}

// NewCache creates a Cache that retains up to capacity results per session.
func NewCache(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity:    capacity,
		maxRetained: DefaultMaxRetained,
		rings:       make(map[string]*buffer.Ring[model.Result]),
		retired:     list.New(),
		index:       make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds a result to the tail of the session's list, creating the list on
// first use. It returns how many old results were dropped to stay in bounds.
func (c *Cache) Append(sessionID string, result model.Result) int {
	c.mu.RLock()
	ring, ok := c.rings[sessionID]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if ring, ok = c.rings[sessionID]; !ok {
			ring = buffer.NewRing[model.Result](c.capacity)
			c.rings[sessionID] = ring
		}
		c.mu.Unlock()
	}

	return ring.Push(result)
}

// Get returns a snapshot of the session's results, oldest first. Unknown
// sessions yield an empty slice.
func (c *Cache) Get(sessionID string) []model.Result {
	c.mu.RLock()
	ring, ok := c.rings[sessionID]
	c.mu.RUnlock()

	if !ok {
		return []model.Result{}
	}
	return ring.Snapshot()
}

// Len returns the number of cached results for the session.
func (c *Cache) Len(sessionID string) int {
	c.mu.RLock()
	ring, ok := c.rings[sessionID]
	c.mu.RUnlock()

	if !ok {
		return 0
	}
	return ring.Len()
}

// Delete drops every cached result of the session.
func (c *Cache) Delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(sessionID)
}

// Retire marks the session as ended. Its results stay readable until more
// than maxRetained sessions have been retired after it.
func (c *Cache) Retire(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rings[sessionID]; !ok {
		return
	}
	if el, ok := c.index[sessionID]; ok {
		c.retired.MoveToBack(el)
	} else {
		c.index[sessionID] = c.retired.PushBack(sessionID)
	}
	for c.retired.Len() > c.maxRetained {
		oldest := c.retired.Front()
		c.deleteLocked(oldest.Value.(string))
	}
}

// Retired returns the number of ended sessions still cached.
func (c *Cache) Retired() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retired.Len()
}

func (c *Cache) deleteLocked(sessionID string) {
	delete(c.rings, sessionID)
	if el, ok := c.index[sessionID]; ok {
		c.retired.Remove(el)
		delete(c.index, sessionID)
	}
}

// Sessions returns the number of sessions with cached results.
func (c *Cache) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rings)
}

// Capacity returns the per-session capacity.
func (c *Cache) Capacity() int {
	return c.capacity
}
