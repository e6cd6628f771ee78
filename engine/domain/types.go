// Package domain defines the core types shared by the matching engine:
// coordinates, position readings, provider records, match results and the
// dialogue request lifecycle. It also acts as the validation gate for
// coordinates and provider records entering the engine.
package domain

import "time"

// Coordinate is a WGS 84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AcquisitionTier names the position tier that produced a reading.
type AcquisitionTier string

// PositionReading is one fix returned by the position acquirer.
type PositionReading struct {
	Coordinate     Coordinate      `json:"coordinate"`
	AccuracyMeters float64         `json:"accuracy_m"`
	Tier           AcquisitionTier `json:"tier"`
	CapturedAt     time.Time       `json:"captured_at"`
	Altitude       *float64        `json:"altitude,omitempty"`
	Heading        *float64        `json:"heading,omitempty"`
	SpeedMps       *float64        `json:"speed_mps,omitempty"`
}

// Variant is the dietary preference slot of a dialogue request.
type Variant string

const (
	VariantUnset  Variant = ""
	VariantVeg    Variant = "veg"
	VariantNonVeg Variant = "non_veg"
)

// ValidVariants is the set of variants a provider item may declare.
var ValidVariants = map[Variant]bool{
	VariantVeg: true, VariantNonVeg: true,
}

// Item is a single offering on a provider's menu.
type Item struct {
	Name    string  `json:"name" yaml:"name"`
	Variant Variant `json:"variant" yaml:"variant"`
	Price   float64 `json:"price,omitempty" yaml:"price,omitempty"`
}

// ProviderRecord is the geometry-free view of a provider the engine works
// with. Coordinate and ServiceRadiusKm are optional: a provider missing
// either is never considered in range.
type ProviderRecord struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Coordinate      *Coordinate       `json:"coordinate,omitempty" yaml:"coordinate,omitempty"`
	ServiceRadiusKm *float64          `json:"service_radius_km,omitempty" yaml:"service_radius_km,omitempty"`
	Rating          float64           `json:"rating" yaml:"rating"`
	Items           []Item            `json:"items,omitempty" yaml:"items,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Locatable reports whether the provider carries both a coordinate and a
// service radius.
func (p ProviderRecord) Locatable() bool {
	return p.Coordinate != nil && p.ServiceRadiusKm != nil
}

// MatchResult is a provider paired with its distance from the target. A
// provider at the target itself has distance 0, which is still reported.
type MatchResult struct {
	Provider   ProviderRecord `json:"provider"`
	DistanceKm float64        `json:"distance_km"`
}

// Status is the lifecycle state of a DialogueRequest.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusCollectingVariant  Status = "collecting_variant"
	StatusCollectingQuantity Status = "collecting_quantity"
	StatusSearching          Status = "searching"
	StatusFound              Status = "found"
	StatusNoResults          Status = "no_results"
	StatusCancelled          Status = "cancelled"
)

// Terminal reports whether a request in this status can no longer be resumed.
func (s Status) Terminal() bool {
	switch s {
	case StatusFound, StatusNoResults, StatusCancelled:
		return true
	}
	return false
}

// DialogueRequest is the slot-filling record for one ordering intent.
type DialogueRequest struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	ItemName     string        `json:"item_name"`
	Variant      Variant       `json:"variant,omitempty"`
	Quantity     *int          `json:"quantity,omitempty"`
	UserPosition *Coordinate   `json:"user_position,omitempty"`
	Status       Status        `json:"status"`
	Results      []MatchResult `json:"results,omitempty"`
	Unfiltered   bool          `json:"unfiltered,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Attempts     int           `json:"attempts"`
}
