// ABOUTME: TTL and size bounded set of recently forwarded envelope ids
// ABOUTME: Used by the push channel to drop redeliveries that slip past retry_attempt

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// sweepInterval is how often expired ids are purged in the background.
const sweepInterval = time.Minute

type entry struct {
	key     string
	expires time.Time
}

// Cache is a concurrency-safe set of keys that expire after a TTL. When full,
// the key marked longest ago is evicted first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // front is the oldest mark
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweepLoop()
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Seen reports whether key was marked and has not expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Before(elem.Value.(*entry).expires)
}

// Mark records key, refreshing its expiry if it is already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.index[key]; ok {
		elem.Value.(*entry).expires = expires
		c.order.MoveToBack(elem)
		return
	}

	for len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, expires: expires})
}

// Len returns the number of tracked keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.index, elem.Value.(*entry).key)
}

// sweep drops every expired key. Marks are ordered by expiry because the TTL
// is fixed, so it stops at the first live entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if now.Before(elem.Value.(*entry).expires) {
			return
		}
		c.removeLocked(elem)
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
