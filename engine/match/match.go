// Package match answers "who near here offers this" by combining the
// provider catalog, the response cache and the geo matcher.
package match

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/locus-labs/locus/engine/cache"
	"github.com/locus-labs/locus/engine/catalog"
	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/engine/geo"
)

const tracerName = "github.com/locus-labs/locus/engine/match"

// Cache operation names. They prefix every key so a whole class can be
// invalidated at once.
const (
	OpProviders = "providers"
	OpNearby    = "nearby"
	OpListing   = "listing"
)

// Query is what is being looked for.
type Query struct {
	Item    string         `json:"item"`
	Variant domain.Variant `json:"variant,omitempty"`
}

func (q Query) predicate() geo.ItemPredicate {
	if strings.TrimSpace(q.Item) == "" {
		return geo.Any
	}
	return geo.OffersItem(q.Item, q.Variant)
}

func (q Query) params() map[string]string {
	return map[string]string{
		"item":    strings.ToLower(strings.TrimSpace(q.Item)),
		"variant": string(q.Variant),
	}
}

// Service is safe for concurrent use.
type Service struct {
	catalog      catalog.Catalog
	cache        cache.Cache
	log          *slog.Logger
	catalogTTL   time.Duration
	proximityTTL time.Duration
	prefilterKm  float64
}

// Option configures a Service.
type Option func(*Service)

// WithTTLs overrides the listing and proximity lifetimes.
func WithTTLs(catalogTTL, proximityTTL time.Duration) Option {
	return func(s *Service) {
		if catalogTTL > 0 {
			s.catalogTTL = catalogTTL
		}
		if proximityTTL > 0 {
			s.proximityTTL = proximityTTL
		}
	}
}

// WithPrefilterKm makes nearby lookups ask the catalog only for providers
// within km of the target. Zero reads the cached item listing instead.
func WithPrefilterKm(km float64) Option {
	return func(s *Service) { s.prefilterKm = km }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New creates a Service.
func New(cat catalog.Catalog, c cache.Cache, opts ...Option) *Service {
	s := &Service{
		catalog:      cat,
		cache:        c,
		log:          slog.Default(),
		catalogTTL:   cache.TTLCatalog,
		proximityTTL: cache.TTLProximity,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Providers lists catalog providers, cached under the catalog lifetime.
func (s *Service) Providers(ctx context.Context, f catalog.Filter) ([]domain.ProviderRecord, error) {
	params := map[string]string{"item": strings.ToLower(strings.TrimSpace(f.Item))}
	if f.Near != nil {
		params["near"] = targetKey(*f.Near)
		params["within"] = strconv.FormatFloat(f.WithinKm, 'f', -1, 64)
	}
	key := cache.Key(OpProviders, params)
	if providers, ok := cached[[]domain.ProviderRecord](s, key); ok {
		return providers, nil
	}

	providers, err := s.catalog.ListProviders(ctx, f)
	if err != nil {
		return nil, err
	}
	s.store(key, providers, s.catalogTTL)
	return providers, nil
}

// FindNearby returns providers whose service radius covers target and that
// offer q, ranked by rating then distance. Results are cached per exact
// target under the proximity lifetime.
func (s *Service) FindNearby(ctx context.Context, target domain.Coordinate, q Query) ([]domain.MatchResult, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "match.FindNearby")
	defer span.End()
	span.SetAttributes(attribute.String("item", q.Item), attribute.String("variant", string(q.Variant)))

	params := q.params()
	params["target"] = targetKey(target)
	key := cache.Key(OpNearby, params)
	if results, ok := cached[[]domain.MatchResult](s, key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Int("results", len(results)))
		return results, nil
	}

	var (
		providers []domain.ProviderRecord
		err       error
	)
	if s.prefilterKm > 0 {
		providers, err = s.catalog.ListProviders(ctx, catalog.Filter{Item: q.Item, Near: &target, WithinKm: s.prefilterKm})
	} else {
		providers, err = s.Providers(ctx, catalog.Filter{Item: q.Item})
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	results := geo.Match(target, providers, q.predicate())
	span.SetAttributes(attribute.Bool("cache_hit", false), attribute.Int("results", len(results)))
	s.store(key, results, s.proximityTTL)
	return results, nil
}

// ListUnfiltered returns every provider offering q regardless of location,
// ranked by rating. It backs the location-unavailable fallback.
func (s *Service) ListUnfiltered(ctx context.Context, q Query) ([]domain.MatchResult, error) {
	key := cache.Key(OpListing, q.params())
	if results, ok := cached[[]domain.MatchResult](s, key); ok {
		return results, nil
	}
	providers, err := s.Providers(ctx, catalog.Filter{Item: q.Item})
	if err != nil {
		return nil, err
	}
	results := geo.Unfiltered(providers, q.predicate())
	s.store(key, results, s.catalogTTL)
	return results, nil
}

// HandleCatalogChange drops every cached answer that may depend on the
// changed providers. A moved provider can affect any target, so whole
// operation classes are invalidated.
func (s *Service) HandleCatalogChange(_ context.Context, c catalog.Change) {
	n := 0
	for _, op := range []string{OpProviders, OpNearby, OpListing} {
		n += s.cache.Invalidate(op + ":")
	}
	s.log.Info("match: catalog changed", "providers", len(c.ProviderIDs), "deleted", c.Deleted, "invalidated", n)
}

func cached[T any](s *Service, key string) (T, bool) {
	v, ok, err := cache.GetJSON[T](s.cache, key)
	if err != nil {
		s.log.Warn("match: discarding cache entry", "key", key, "err", err)
	}
	return v, ok
}

func (s *Service) store(key string, v any, ttl time.Duration) {
	if err := cache.SetJSON(s.cache, key, v, ttl); err != nil {
		s.log.Warn("match: cache write failed", "key", key, "err", err)
	}
}

// targetKey is the exact coordinate. Nearby targets may sit on opposite
// sides of a radius boundary, so they never share an entry.
func targetKey(c domain.Coordinate) string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}
