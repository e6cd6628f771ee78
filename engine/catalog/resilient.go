package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/fn"
	"github.com/locus-labs/locus/pkg/resilience"
)

// Resilient wraps a Catalog with one retry and a circuit breaker. Failures
// that survive both surface as domain.ErrCatalogUnavailable.
type Resilient struct {
	inner   Catalog
	retry   fn.RetryOpts
	breaker *resilience.Breaker
	log     *slog.Logger
}

// ResilientOption configures a Resilient catalog.
type ResilientOption func(*Resilient)

// WithRetry overrides the retry policy.
func WithRetry(opts fn.RetryOpts) ResilientOption {
	return func(r *Resilient) { r.retry = opts }
}

// WithBreaker overrides the circuit breaker.
func WithBreaker(b *resilience.Breaker) ResilientOption {
	return func(r *Resilient) { r.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.log = l }
}

// NewResilient wraps inner.
func NewResilient(inner Catalog, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		inner:   inner,
		retry:   fn.RetryOnce,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Breaker exposes the breaker for health reporting.
func (r *Resilient) Breaker() *resilience.Breaker { return r.breaker }

func (r *Resilient) ListProviders(ctx context.Context, f Filter) ([]domain.ProviderRecord, error) {
	attempt := 0
	res := fn.Retry(ctx, r.retry, func(ctx context.Context) fn.Result[[]domain.ProviderRecord] {
		attempt++
		out := resilience.CallResult(r.breaker, ctx, func(ctx context.Context) fn.Result[[]domain.ProviderRecord] {
			return fn.FromPair(r.inner.ListProviders(ctx, f))
		})
		_, err := out.Unwrap()
		switch {
		case err == nil:
			return out
		case errors.Is(err, resilience.ErrCircuitOpen), ctx.Err() != nil:
			return fn.Err[[]domain.ProviderRecord](fn.Permanent(err))
		}
		r.log.Warn("catalog: list failed", "attempt", attempt, "item", f.Item, "err", err)
		return out
	})

	providers, err := res.Unwrap()
	if err == nil {
		return providers, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, err)
}
