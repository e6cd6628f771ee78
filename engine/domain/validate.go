package domain

import (
	"math"
	"strconv"
	"strings"
)

const (
	MinRating = 0.0
	MaxRating = 5.0
)

// Validate checks that the coordinate lies within WGS 84 bounds.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return NewValidationError("latitude", formatFloat(c.Latitude), ErrInvalidCoordinate)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return NewValidationError("longitude", formatFloat(c.Longitude), ErrInvalidCoordinate)
	}
	return nil
}

// ValidateProvider validates a provider record before it enters the catalog.
// A missing coordinate or radius is allowed; such providers are simply never
// in range.
func ValidateProvider(p ProviderRecord) error {
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("id", p.ID, ErrInvalidProvider)
	}
	if strings.TrimSpace(p.Name) == "" {
		return NewValidationError("name", p.Name, ErrInvalidProvider)
	}
	if p.Coordinate != nil {
		if err := p.Coordinate.Validate(); err != nil {
			return err
		}
	}
	if p.ServiceRadiusKm != nil {
		r := *p.ServiceRadiusKm
		if math.IsNaN(r) || r <= 0 {
			return NewValidationError("service_radius_km", formatFloat(r), ErrInvalidRadius)
		}
	}
	if p.Rating < MinRating || p.Rating > MaxRating {
		return NewValidationError("rating", formatFloat(p.Rating), ErrInvalidRating)
	}
	for _, it := range p.Items {
		if strings.TrimSpace(it.Name) == "" {
			return NewValidationError("items.name", it.Name, ErrInvalidProvider)
		}
		if it.Variant != VariantUnset && !ValidVariants[it.Variant] {
			return NewValidationError("items.variant", string(it.Variant), ErrInvalidVariant)
		}
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
