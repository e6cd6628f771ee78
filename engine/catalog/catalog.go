// Package catalog is the read side of the provider catalog and the paths
// that keep it up to date: a YAML-backed in-memory catalog, a Qdrant-backed
// catalog, a retrying circuit-broken wrapper and the NATS ingest consumer.
package catalog

import (
	"context"
	"time"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/engine/geo"
)

// Filter narrows a listing. The zero Filter lists everything.
type Filter struct {
	// Item keeps providers listing this item name (any variant).
	Item string
	// Near and WithinKm pre-filter by distance. Providers without a
	// coordinate are dropped when Near is set.
	Near     *domain.Coordinate
	WithinKm float64
}

// Catalog reads provider records.
type Catalog interface {
	ListProviders(ctx context.Context, f Filter) ([]domain.ProviderRecord, error)
}

// Writer mutates a catalog.
type Writer interface {
	Upsert(ctx context.Context, providers []domain.ProviderRecord) error
	Delete(ctx context.Context, ids []string) error
}

// Change is announced on ChangedSubject after providers are written.
type Change struct {
	ProviderIDs []string  `json:"provider_ids"`
	Deleted     bool      `json:"deleted,omitempty"`
	At          time.Time `json:"at"`
}

// NATS subjects used by the catalog paths.
const (
	UpsertSubject  = "catalog.upsert"
	DLQSubject     = "catalog.upsert.dlq"
	ChangedSubject = "catalog.changed"
)

// Matches reports whether p passes f. Used by in-memory catalogs and as a
// post-filter for remote ones.
func (f Filter) Matches(p domain.ProviderRecord) bool {
	if f.Item != "" && !geo.OffersItem(f.Item, domain.VariantUnset)(p) {
		return false
	}
	if f.Near != nil {
		if p.Coordinate == nil {
			return false
		}
		if f.WithinKm > 0 && geo.Haversine(*f.Near, *p.Coordinate) > f.WithinKm {
			return false
		}
	}
	return true
}
