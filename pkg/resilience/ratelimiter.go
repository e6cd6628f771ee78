package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/locus-labs/locus/pkg/fn"
)

var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures a token bucket.
type LimiterOpts struct {
	// Rate is the number of tokens added per second.
	Rate float64
	// Burst is the maximum number of tokens (bucket capacity).
	Burst int
	// IdleTTL drops a key's bucket once it has been unused this long.
	IdleTTL time.Duration
}

// NewLimiter returns a single token bucket.
func NewLimiter(opts LimiterOpts) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(opts.Rate), max(opts.Burst, 1))
}

type keyedEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// KeyedLimiter keeps one token bucket per key, e.g. per session or client.
type KeyedLimiter struct {
	mu      sync.Mutex
	opts    LimiterOpts
	buckets map[string]*keyedEntry
	now     func() time.Time
}

// NewKeyedLimiter creates an empty KeyedLimiter.
func NewKeyedLimiter(opts LimiterOpts) *KeyedLimiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{opts: opts, buckets: make(map[string]*keyedEntry), now: time.Now}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (k *KeyedLimiter) Allow(key string) bool {
	now := k.now()
	k.mu.Lock()
	e, ok := k.buckets[key]
	if !ok {
		e = &keyedEntry{lim: NewLimiter(k.opts)}
		k.buckets[key] = e
	}
	e.seen = now
	k.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Sweep removes buckets idle longer than IdleTTL and returns how many it dropped.
func (k *KeyedLimiter) Sweep() int {
	cutoff := k.now().Add(-k.opts.IdleTTL)
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.buckets {
		if e.seen.Before(cutoff) {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (k *KeyedLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.Sweep()
		}
	}
}

// LimiterStageWait wraps an fn.Stage with rate limiting, blocking until a token is available.
func LimiterStageWait[In, Out any](l *rate.Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
