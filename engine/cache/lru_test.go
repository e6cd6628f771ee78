package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/metrics"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLRU(capacity int) (*LRU, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewLRU(capacity, WithClock(clk.now)), clk
}

func TestSetGetUntilTTL(t *testing.T) {
	c, clk := newTestLRU(4)
	c.Set("k", []byte("v"), time.Minute)

	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected hit v, got %q %v", got, ok)
	}

	clk.advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before TTL elapses")
	}

	clk.advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss once TTL elapsed")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed lazily, len=%d", c.Len())
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, clk := newTestLRU(2)
	c.Set("k", []byte("v"), 0)
	clk.advance(24 * 365 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected entry without TTL to persist")
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestLRU(3)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Set("c", []byte("3"), 0)

	// Touch a so b becomes the least recently used.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a")
	}
	c.Set("d", []byte("4"), 0)

	if c.Len() != 3 {
		t.Fatalf("expected len 3, got %d", c.Len())
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %s to survive", k)
		}
	}
}

func TestCapacityNPlusOneEvictsExactlyOne(t *testing.T) {
	const n = 50
	c, _ := newTestLRU(n)
	for i := 0; i <= n; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("x"), 0)
	}
	if c.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Fatal("expected the first inserted key to be evicted")
	}
	for i := 1; i <= n; i++ {
		if _, ok := c.Get(fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("k%d should still be cached", i)
		}
	}
}

func TestSetRefreshesExistingEntry(t *testing.T) {
	c, clk := newTestLRU(2)
	c.Set("a", []byte("old"), time.Minute)
	c.Set("b", []byte("b"), 0)
	clk.advance(50 * time.Second)
	c.Set("a", []byte("new"), time.Minute)
	clk.advance(50 * time.Second)

	got, ok := c.Get("a")
	if !ok || string(got) != "new" {
		t.Fatalf("expected refreshed value, got %q %v", got, ok)
	}

	// a was refreshed last, so inserting c evicts b.
	c.Set("c", []byte("c"), 0)
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b evicted")
	}
}

func TestInvalidatePrefixAndSubstring(t *testing.T) {
	c, _ := newTestLRU(10)
	c.Set("providers:1", []byte("x"), 0)
	c.Set("providers:2", []byte("x"), 0)
	c.Set("nearby:abc", []byte("x"), 0)
	c.Set("nearby:def", []byte("x"), 0)

	if n := c.Invalidate("providers:1"); n != 1 {
		t.Fatalf("expected exact removal of 1, got %d", n)
	}
	if n := c.Invalidate("providers:"); n != 1 {
		t.Fatalf("expected prefix removal of 1, got %d", n)
	}
	if n := c.InvalidateMatching("de"); n != 1 {
		t.Fatalf("expected substring removal of 1, got %d", n)
	}
	if _, ok := c.Get("nearby:abc"); !ok {
		t.Fatal("unrelated key should survive")
	}
	if n := c.Invalidate("missing"); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestPurge(t *testing.T) {
	c, clk := newTestLRU(10)
	c.Set("short", []byte("x"), time.Second)
	c.Set("long", []byte("x"), time.Hour)
	clk.advance(2 * time.Second)
	if n := c.Purge(); n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 left, got %d", c.Len())
	}
}

func TestStatsCounters(t *testing.T) {
	reg := metrics.New()
	stats := NewStats(reg, "test")
	c := NewLRU(1, WithStats(stats))

	c.Get("missing")
	c.Set("a", []byte("1"), 0)
	c.Get("a")
	c.Set("b", []byte("2"), 0)

	if stats.Hits.Value() != 1 || stats.Misses.Value() != 1 || stats.Evictions.Value() != 1 {
		t.Fatalf("unexpected counters: hits=%d misses=%d evictions=%d",
			stats.Hits.Value(), stats.Misses.Value(), stats.Evictions.Value())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewLRU(64)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("k%d", (w*31+i)%128)
				c.Set(k, []byte(k), time.Minute)
				if v, ok := c.Get(k); ok && string(v) != k {
					t.Errorf("key %s returned %q", k, v)
				}
				if i%50 == 0 {
					c.Invalidate("k1")
				}
			}
		}(w)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
}

func TestKeyIsOrderInsensitive(t *testing.T) {
	a := Key("nearby", map[string]string{"lat": "12.3", "lon": "76.6", "item": "pizza"})
	b := Key("nearby", map[string]string{"item": "pizza", "lon": "76.6", "lat": "12.3"})
	if a != b {
		t.Fatalf("expected identical keys, got %s and %s", a, b)
	}
	c := Key("nearby", map[string]string{"item": "pizza", "lon": "76.6", "lat": "12.4"})
	if a == c {
		t.Fatal("different params must produce different keys")
	}
	d := Key("providers", map[string]string{"lat": "12.3", "lon": "76.6", "item": "pizza"})
	if a == d {
		t.Fatal("different ops must produce different keys")
	}
	// Separator characters inside values must not collide with other splits.
	e := Key("op", map[string]string{"a": "1;b=2"})
	f := Key("op", map[string]string{"a": "1", "b": "2"})
	if e == f {
		t.Fatal("ambiguous encoding produced a collision")
	}
}

func TestGetJSONCorruptionPurges(t *testing.T) {
	c, _ := newTestLRU(4)
	c.Set("bad", []byte("{not json"), 0)

	_, ok, err := GetJSON[[]string](c, "bad")
	if ok {
		t.Fatal("corrupt entry must not be a hit")
	}
	if !errors.Is(err, domain.ErrCacheCorruption) {
		t.Fatalf("expected ErrCacheCorruption, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("corrupt entry should be purged")
	}
}

func TestSetGetJSONRoundTrip(t *testing.T) {
	c, _ := newTestLRU(4)
	in := []domain.MatchResult{{Provider: domain.ProviderRecord{ID: "p1", Rating: 4}, DistanceKm: 1.55}}
	if err := SetJSON(c, "k", in, time.Minute); err != nil {
		t.Fatal(err)
	}
	out, ok, err := GetJSON[[]domain.MatchResult](c, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(out) != 1 || out[0].Provider.ID != "p1" || out[0].DistanceKm != 1.55 {
		t.Fatalf("unexpected value %+v", out)
	}

	_, ok, err = GetJSON[[]domain.MatchResult](c, "missing")
	if ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}
