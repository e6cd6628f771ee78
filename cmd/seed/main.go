// Command seed loads a provider YAML file into the catalog, either straight
// into Qdrant or as catalog.upsert batches over NATS for a running api to apply.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nats-io/nats.go"

	"github.com/locus-labs/locus/engine/catalog"
	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/config"
	"github.com/locus-labs/locus/pkg/fn"
	"github.com/locus-labs/locus/pkg/natsutil"
	"github.com/locus-labs/locus/pkg/resilience"
)

// sink receives one batch of providers.
type sink interface {
	send(ctx context.Context, batch []domain.ProviderRecord) error
}

// writerSink upserts straight into a catalog writer. Batches are paced by
// limiter, retried with backoff and stop once the breaker opens.
type writerSink struct {
	upsert fn.Stage[[]domain.ProviderRecord, int]
}

func newWriterSink(w catalog.Writer, rps float64, retry fn.RetryOpts) writerSink {
	upsert := fn.Stage[[]domain.ProviderRecord, int](func(ctx context.Context, batch []domain.ProviderRecord) fn.Result[int] {
		return fn.FromPair(len(batch), w.Upsert(ctx, batch))
	})
	upsert = fn.RetryStage(retry, upsert)
	upsert = resilience.BreakerStage(resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2}), upsert)
	if rps > 0 {
		upsert = resilience.LimiterStageWait(resilience.NewLimiter(resilience.LimiterOpts{Rate: rps, Burst: 1}), upsert)
	}
	return writerSink{upsert: fn.TracedStage("seed.upsert", upsert)}
}

func (s writerSink) send(ctx context.Context, batch []domain.ProviderRecord) error {
	_, err := s.upsert(ctx, batch).Unwrap()
	return err
}

type busSink struct{ nc natsutil.Publisher }

func (s busSink) send(ctx context.Context, batch []domain.ProviderRecord) error {
	return natsutil.Publish(ctx, s.nc, catalog.UpsertSubject, catalog.Batch{Providers: batch})
}

// seed sends providers in batches of size and reports how many were sent.
// It stops at the first failed batch.
func seed(ctx context.Context, providers []domain.ProviderRecord, s sink, size int, log *slog.Logger) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("seed: batch size must be positive, got %d", size)
	}
	sent := 0
	for i, batch := range fn.Chunk(providers, size) {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := s.send(ctx, batch); err != nil {
			return sent, fmt.Errorf("seed: batch %d: %w", i, err)
		}
		sent += len(batch)
		log.Info("batch sent", "batch", i, "providers", len(batch), "total", sent)
	}
	return sent, nil
}

func main() {
	configPath := flag.String("config", "locus.yaml", "path to the YAML config file")
	file := flag.String("file", "", "provider YAML file (defaults to catalog.path)")
	via := flag.String("via", "qdrant", "destination: qdrant or nats")
	size := flag.Int("batch", 100, "providers per batch")
	rps := flag.Float64("rps", 5, "maximum Qdrant batches per second (0 for unlimited)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(*configPath, *file, *via, *size, *rps, log); err != nil {
		log.Error("seed failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, file, via string, size int, rps float64, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(configPath, ".env")
	if err != nil {
		return err
	}
	if file == "" {
		file = cfg.Catalog.Path
	}
	providers, err := catalog.LoadFile(file, log)
	if err != nil {
		return err
	}

	var s sink
	switch via {
	case "qdrant":
		q, err := catalog.NewQdrant(cfg.Qdrant.Addr, cfg.Qdrant.Collection, cfg.Qdrant.APIKey)
		if err != nil {
			return err
		}
		defer q.Close()
		if err := q.EnsureCollection(ctx); err != nil {
			return err
		}
		s = newWriterSink(q, rps, fn.DefaultRetry)
	case "nats":
		if cfg.NATS.URL == "" {
			return fmt.Errorf("seed: nats.url is not configured")
		}
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("locus-seed"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		s = busSink{nc: nc}
	default:
		return fmt.Errorf("seed: unknown destination %q", via)
	}

	n, err := seed(ctx, providers, s, size, log)
	if err != nil {
		return err
	}
	log.Info("seed complete", "file", file, "via", via, "providers", n)
	return nil
}
