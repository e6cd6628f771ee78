package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/fn"
	"github.com/locus-labs/locus/pkg/resilience"
)

type flakyCatalog struct {
	calls     int
	failFirst int
	err       error
	providers []domain.ProviderRecord
}

func (f *flakyCatalog) ListProviders(context.Context, Filter) ([]domain.ProviderRecord, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return nil, f.err
	}
	return f.providers, nil
}

var fastRetry = fn.RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}

func TestResilientRetriesOnce(t *testing.T) {
	inner := &flakyCatalog{failFirst: 1, err: errors.New("timeout"), providers: []domain.ProviderRecord{provider("a", 0, 0, 1, 1)}}
	r := NewResilient(inner, WithRetry(fastRetry))

	got, err := r.ListProviders(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || inner.calls != 2 {
		t.Fatalf("got %d providers after %d calls", len(got), inner.calls)
	}
}

func TestResilientSurfacesCatalogUnavailable(t *testing.T) {
	boom := errors.New("connection refused")
	inner := &flakyCatalog{failFirst: 10, err: boom}
	r := NewResilient(inner, WithRetry(fastRetry))

	_, err := r.ListProviders(context.Background(), Filter{})
	if !errors.Is(err, domain.ErrCatalogUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrCatalogUnavailable wrapping cause, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", inner.calls)
	}
}

func TestResilientOpenBreakerSkipsRetry(t *testing.T) {
	inner := &flakyCatalog{failFirst: 100, err: errors.New("down")}
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour})
	r := NewResilient(inner, WithRetry(fastRetry), WithBreaker(b))

	r.ListProviders(context.Background(), Filter{})
	if b.State() != resilience.StateOpen {
		t.Fatalf("breaker should be open, is %v", b.State())
	}
	calls := inner.calls
	_, err := r.ListProviders(context.Background(), Filter{})
	if !errors.Is(err, domain.ErrCatalogUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("unexpected error %v", err)
	}
	if inner.calls != calls {
		t.Fatal("open breaker should not reach the catalog")
	}
}

func TestResilientCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &flakyCatalog{failFirst: 1, err: context.Canceled}
	r := NewResilient(inner, WithRetry(fastRetry))

	_, err := r.ListProviders(ctx, Filter{})
	if !errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCatalogUnavailable) {
		t.Fatalf("expected bare context error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("cancelled call should not retry, got %d calls", inner.calls)
	}
}
