package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/locus-labs/locus/engine/cache"
	"github.com/locus-labs/locus/engine/catalog"
	"github.com/locus-labs/locus/engine/dialogue"
	"github.com/locus-labs/locus/engine/match"
	"github.com/locus-labs/locus/engine/position"
	"github.com/locus-labs/locus/pkg/config"
	"github.com/locus-labs/locus/pkg/intentnlp"
	"github.com/locus-labs/locus/pkg/metrics"
	"github.com/locus-labs/locus/pkg/natsutil"
	"github.com/locus-labs/locus/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "locus.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Connect to NATS (optional) ---
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("locus-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
	}

	// --- Provider catalog ---
	source, writer, closeCatalog, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCatalog()

	breakerState := reg.Gauge("catalog_breaker_state", "Catalog circuit state (0 closed, 1 open, 2 half-open)")
	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		OnStateChange: func(from, to resilience.State) {
			breakerState.Set(int64(to))
			logger.Warn("catalog breaker", "from", from.String(), "to", to.String())
		},
	})
	cat := catalog.NewResilient(source, catalog.WithBreaker(breaker), catalog.WithLogger(logger))

	// --- Matching ---
	responses := cache.NewLRU(cfg.Cache.Capacity, cache.WithStats(cache.NewStats(reg, "response")))
	svc := match.New(cat, responses,
		match.WithTTLs(cfg.Cache.CatalogTTL, cfg.Cache.ProximityTTL),
		match.WithPrefilterKm(cfg.Catalog.PrefilterKm),
		match.WithLogger(logger),
	)

	// --- Position acquisition ---
	sensors := position.Chain{position.ReportedSensor{}}
	if cfg.Position.DeviceSensor && nc != nil {
		sensors = append(sensors, position.NewNATSSensor(nc))
	}
	locator := position.New(sensors, position.TiersFromConfig(cfg.Position.Tiers),
		position.WithLogger(logger), position.WithMetrics(reg))

	// --- Dialogue store ---
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engineOpts := []dialogue.Option{
		dialogue.WithStore(store),
		dialogue.WithExtractor(intentnlp.NewExtractor(cfg.Vocabulary)),
		dialogue.WithLogger(logger),
		dialogue.WithMetrics(reg),
	}

	// --- Bus wiring ---
	if nc != nil {
		engineOpts = append(engineOpts, dialogue.WithEvents(dialogue.NATSEvents{Conn: nc}))
		unsubscribe, err := subscribeCatalog(nc, svc, writer, logger)
		if err != nil {
			return err
		}
		defer unsubscribe()
	}

	engine := dialogue.New(locator, svc, engineOpts...)

	limiter := resilience.NewKeyedLimiter(resilience.LimiterOpts{
		Rate:  cfg.Server.RateLimitRPS,
		Burst: cfg.Server.RateLimitBurst,
	})
	go limiter.RunSweeper(ctx, time.Minute)

	handler := newHandler(server{
		engine:  engine,
		matcher: svc,
		breaker: breaker,
		reg:     reg,
		limiter: limiter,
		cors:    cfg.Server.CORSOrigin,
		log:     logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port,
			"catalog", cfg.Catalog.Source, "store", cfg.Store.Driver, "nats", nc != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// openCatalog returns the configured catalog, the writer the ingest
// subscriber applies batches to, and a close function.
func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (catalog.Catalog, catalog.Writer, func(), error) {
	switch cfg.Catalog.Source {
	case "qdrant":
		q, err := catalog.NewQdrant(cfg.Qdrant.Addr, cfg.Qdrant.Collection, cfg.Qdrant.APIKey)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := q.EnsureCollection(ctx); err != nil {
			q.Close()
			return nil, nil, nil, fmt.Errorf("qdrant collection %s: %w", cfg.Qdrant.Collection, err)
		}
		return q, q, func() { q.Close() }, nil
	default:
		mem, err := catalog.NewFileCatalog(cfg.Catalog.Path, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("catalog loaded", "path", cfg.Catalog.Path, "providers", mem.Len())
		return mem, mem, func() {}, nil
	}
}

// subscribeCatalog applies catalog.upsert batches to writer and drops cached
// matches whenever catalog.changed announces an update.
func subscribeCatalog(nc *nats.Conn, svc *match.Service, writer catalog.Writer, logger *slog.Logger) (func(), error) {
	changes, err := natsutil.Subscribe(nc, catalog.ChangedSubject, svc.HandleCatalogChange,
		func(_ *nats.Msg, err error) { logger.Warn("bad catalog change", "err", err) })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", catalog.ChangedSubject, err)
	}
	ingest, err := catalog.StartIngest(catalog.IngestDeps{Writer: writer, Conn: nc, Logger: logger})
	if err != nil {
		changes.Unsubscribe()
		return nil, fmt.Errorf("start ingest: %w", err)
	}
	return func() {
		ingest.Unsubscribe()
		changes.Unsubscribe()
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dialogue.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return dialogue.NewMemoryStore(), func() {}, nil
	case "neo4j":
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
		if err != nil {
			return nil, nil, fmt.Errorf("neo4j driver: %w", err)
		}
		store := dialogue.NewNeo4jStore(driver, cfg.Neo4j.Database)
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.Warn("neo4j indexes", "err", err)
		}
		return store, func() { driver.Close(context.Background()) }, nil
	default:
		store, err := dialogue.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}
