package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/locus-labs/locus/pkg/metrics"
)

// DefaultCapacity bounds an LRU created with a non-positive capacity.
const DefaultCapacity = 1024

// LRU is a fixed-capacity cache evicting the least recently used entry.
// Every operation holds one mutex, so expiry checks, eviction and reads of
// a key are atomic with respect to each other.
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element // values are *Entry
	order    *list.List               // front = most recently used
	now      func() time.Time         // for testing
	stats    Stats
}

// Stats are the counters an LRU reports to.
type Stats struct {
	Hits        *metrics.Counter
	Misses      *metrics.Counter
	Evictions   *metrics.Counter
	Expirations *metrics.Counter
}

// NewStats registers cache counters in reg under the given cache name.
func NewStats(reg *metrics.Registry, name string) Stats {
	return Stats{
		Hits:        reg.Counter(metrics.WithLabels("cache_hits_total", "cache", name), "Cache lookups that found a live entry."),
		Misses:      reg.Counter(metrics.WithLabels("cache_misses_total", "cache", name), "Cache lookups that found nothing or an expired entry."),
		Evictions:   reg.Counter(metrics.WithLabels("cache_evictions_total", "cache", name), "Entries evicted by capacity pressure."),
		Expirations: reg.Counter(metrics.WithLabels("cache_expirations_total", "cache", name), "Entries removed because their TTL elapsed."),
	}
}

// Option configures an LRU.
type Option func(*LRU)

// WithStats attaches metric counters.
func WithStats(s Stats) Option {
	return func(c *LRU) { c.stats = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *LRU) { c.now = now }
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU(capacity int, opts ...Option) *LRU {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compile-time interface check.
var _ Cache = (*LRU)(nil)

func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		inc(c.stats.Misses)
		return nil, false
	}
	e := el.Value.(*Entry)
	if e.expired(c.now()) {
		c.removeElement(el)
		inc(c.stats.Expirations)
		inc(c.stats.Misses)
		return nil, false
	}
	c.order.MoveToFront(el)
	inc(c.stats.Hits)
	return e.Value, true
}

func (c *LRU) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*Entry)
		e.Value = value
		e.ExpiresAt = expires
		e.InsertedAt = now
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
			inc(c.stats.Evictions)
		}
	}
	el := c.order.PushFront(&Entry{Key: key, Value: value, ExpiresAt: expires, InsertedAt: now})
	c.items[key] = el
}

func (c *LRU) Invalidate(keyOrPrefix string) int {
	return c.removeWhere(func(k string) bool { return strings.HasPrefix(k, keyOrPrefix) })
}

func (c *LRU) InvalidateMatching(substr string) int {
	return c.removeWhere(func(k string) bool { return strings.Contains(k, substr) })
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops expired entries eagerly and returns how many were removed.
func (c *LRU) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Entry).expired(now) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	if c.stats.Expirations != nil {
		c.stats.Expirations.Add(int64(removed))
	}
	return removed
}

func (c *LRU) removeWhere(match func(string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, el := range c.items {
		if match(k) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// removeElement unlinks el. Must hold mu.
func (c *LRU) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*Entry).Key)
}

func inc(c *metrics.Counter) {
	if c != nil {
		c.Inc()
	}
}
