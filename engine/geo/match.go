package geo

import (
	"sort"
	"strings"

	"github.com/locus-labs/locus/engine/domain"
)

// RatingTieBand is the rating difference under which two providers are
// considered tied and ordered by distance instead.
const RatingTieBand = 0.1

// ratingEpsilon absorbs float error so 4.2 and 4.1 count as within the band.
const ratingEpsilon = 1e-9

// ItemPredicate decides whether a provider can serve the caller's request.
type ItemPredicate func(domain.ProviderRecord) bool

// Any accepts every provider.
func Any(domain.ProviderRecord) bool { return true }

// OffersItem matches providers listing item (case-insensitive) in the given
// variant. An unset variant matches any variant. Items without a declared
// variant never match a specific variant request.
func OffersItem(item string, variant domain.Variant) ItemPredicate {
	want := strings.ToLower(strings.TrimSpace(item))
	return func(p domain.ProviderRecord) bool {
		for _, it := range p.Items {
			if !itemNameMatches(strings.ToLower(it.Name), want) {
				continue
			}
			if variant == domain.VariantUnset || it.Variant == variant {
				return true
			}
		}
		return false
	}
}

// itemNameMatches accepts exact names and plural/qualified forms such as
// "pizzas" or "margherita pizza".
func itemNameMatches(name, want string) bool {
	if want == "" {
		return false
	}
	if name == want || name == want+"s" || name == want+"es" {
		return true
	}
	for _, w := range strings.Fields(name) {
		if w == want || w == want+"s" {
			return true
		}
	}
	return false
}

// Match returns the providers whose service radius covers target and that
// satisfy pred, ranked by Rank. Providers missing a coordinate or radius are
// excluded. The result is never nil.
func Match(target domain.Coordinate, providers []domain.ProviderRecord, pred ItemPredicate) []domain.MatchResult {
	if pred == nil {
		pred = Any
	}
	out := make([]domain.MatchResult, 0, len(providers))
	for _, p := range providers {
		if !p.Locatable() {
			continue
		}
		d := Haversine(target, *p.Coordinate)
		if d > *p.ServiceRadiusKm {
			continue
		}
		if !pred(p) {
			continue
		}
		out = append(out, domain.MatchResult{Provider: p, DistanceKm: d})
	}
	Rank(out)
	for i := range out {
		out[i].DistanceKm = Round2(out[i].DistanceKm)
	}
	return out
}

// Unfiltered lists every provider satisfying pred regardless of location,
// ranked by rating. Used when the caller's position is unknown.
func Unfiltered(providers []domain.ProviderRecord, pred ItemPredicate) []domain.MatchResult {
	if pred == nil {
		pred = Any
	}
	out := make([]domain.MatchResult, 0, len(providers))
	for _, p := range providers {
		if pred(p) {
			out = append(out, domain.MatchResult{Provider: p})
		}
	}
	Rank(out)
	return out
}

// Rank orders results by rating descending, breaking near-ties by distance.
// Results are first sorted by rating, then split into bands that start at
// the highest remaining rating and extend RatingTieBand below it; each band
// is ordered by distance ascending. Equal ratings always share a band and
// ratings further apart than RatingTieBand never do, which keeps the order
// transitive. Sorting is stable so equal entries keep catalog order.
func Rank(results []domain.MatchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Provider.Rating > results[j].Provider.Rating
	})
	for start := 0; start < len(results); {
		top := results[start].Provider.Rating
		end := start + 1
		for end < len(results) && top-results[end].Provider.Rating <= RatingTieBand+ratingEpsilon {
			end++
		}
		band := results[start:end]
		sort.SliceStable(band, func(i, j int) bool {
			return band[i].DistanceKm < band[j].DistanceKm
		})
		start = end
	}
}

// MaxServiceRadiusKm returns the largest service radius among providers, or
// fallback when none declares one. Catalog backends use it to bound a
// coarse geo pre-filter before strict matching.
func MaxServiceRadiusKm(providers []domain.ProviderRecord, fallback float64) float64 {
	max := 0.0
	for _, p := range providers {
		if p.ServiceRadiusKm != nil && *p.ServiceRadiusKm > max {
			max = *p.ServiceRadiusKm
		}
	}
	if max == 0 {
		return fallback
	}
	return max
}
