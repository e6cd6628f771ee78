// Package cache is the response cache sitting in front of provider listing
// and proximity lookups. Cache is the interface callers depend on; LRU is the
// in-process implementation with per-entry expiry and bounded capacity.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/locus-labs/locus/engine/domain"
)

// Default lifetimes per operation class. Broad listings change less often
// than the answer to a proximity query.
const (
	TTLCatalog   = 10 * time.Minute
	TTLProximity = 2 * time.Minute
)

// Cache is a keyed store with per-entry expiry.
type Cache interface {
	// Get returns the value for key. Expired entries are misses.
	Get(key string) ([]byte, bool)
	// Set stores value under key for ttl. A non-positive ttl never expires.
	Set(key string, value []byte, ttl time.Duration)
	// Invalidate removes key and every key starting with it, returning the
	// number of entries removed.
	Invalidate(keyOrPrefix string) int
	// InvalidateMatching removes every key containing substr.
	InvalidateMatching(substr string) int
	// Len returns the number of stored entries, expired or not.
	Len() int
}

// Entry is a stored cache value.
type Entry struct {
	Key        string
	Value      []byte
	ExpiresAt  time.Time // zero means no expiry
	InsertedAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Key derives a deterministic cache key from an operation name and its
// parameters. Parameter names are sorted so equal sets in any order collide.
// The operation name stays readable as a prefix for Invalidate.
func Key(op string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		fmt.Fprintf(&b, "%q=%q;", k, params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return op + ":" + hex.EncodeToString(sum[:16])
}

// GetJSON reads and decodes a JSON value. A value that does not decode is
// purged and reported as a miss alongside domain.ErrCacheCorruption so the
// caller can log it; the caller must never use the zero value as a hit.
func GetJSON[T any](c Cache, key string) (T, bool, error) {
	var zero T
	raw, ok := c.Get(key)
	if !ok {
		return zero, false, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		c.Invalidate(key)
		return zero, false, fmt.Errorf("cache: decode %s: %w: %v", key, domain.ErrCacheCorruption, err)
	}
	return v, true, nil
}

// SetJSON encodes v as JSON and stores it.
func SetJSON[T any](c Cache, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	c.Set(key, data, ttl)
	return nil
}
