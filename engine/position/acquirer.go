// Package position acquires a consumer position by walking an ordered list
// of accuracy tiers over a Sensor, returning the first fix that clears a
// tier's accuracy threshold or the most accurate fix seen.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/config"
	"github.com/locus-labs/locus/pkg/metrics"
)

const tracerName = "github.com/locus-labs/locus/engine/position"

// Tier is one attempt profile in the fallback sequence.
type Tier struct {
	Name              domain.AcquisitionTier
	Mode              Mode
	Timeout           time.Duration
	MaxCachedAge      time.Duration
	MinAccuracyMeters float64
}

// DefaultTiers is the gps, balanced, network ladder. Worst case is 23s.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "gps", Mode: ModeHigh, Timeout: 10 * time.Second, MaxCachedAge: 0, MinAccuracyMeters: 50},
		{Name: "balanced", Mode: ModeBalanced, Timeout: 8 * time.Second, MaxCachedAge: time.Minute, MinAccuracyMeters: 500},
		{Name: "network", Mode: ModeCoarse, Timeout: 5 * time.Second, MaxCachedAge: 5 * time.Minute, MinAccuracyMeters: 5000},
	}
}

// TiersFromConfig converts configured tiers; an empty list yields DefaultTiers.
func TiersFromConfig(cfg []config.TierConfig) []Tier {
	if len(cfg) == 0 {
		return DefaultTiers()
	}
	out := make([]Tier, len(cfg))
	for i, t := range cfg {
		out[i] = Tier{
			Name:              domain.AcquisitionTier(t.Name),
			Mode:              Mode(t.Mode),
			Timeout:           t.Timeout,
			MaxCachedAge:      t.MaxCachedAge,
			MinAccuracyMeters: t.MinAccuracyMeters,
		}
	}
	return out
}

// Tier attempt outcomes, used as metric labels and span attributes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRetained    = "retained"
	OutcomeInvalid     = "invalid"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeDenied      = "denied"
)

// Acquirer runs the tier loop.
type Acquirer struct {
	sensor Sensor
	tiers  []Tier
	logger *slog.Logger
	reg    *metrics.Registry
	now    func() time.Time
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(a *Acquirer) { a.logger = l } }

// WithMetrics records tier outcomes and latency in reg.
func WithMetrics(reg *metrics.Registry) Option { return func(a *Acquirer) { a.reg = reg } }

// WithClock overrides the clock used to stamp fixes that carry no time.
func WithClock(now func() time.Time) Option { return func(a *Acquirer) { a.now = now } }

// New returns an Acquirer over sensor. Nil or empty tiers use DefaultTiers.
func New(sensor Sensor, tiers []Tier, opts ...Option) *Acquirer {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	a := &Acquirer{sensor: sensor, tiers: tiers, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Tiers returns a copy of the configured tiers.
func (a *Acquirer) Tiers() []Tier {
	return append([]Tier(nil), a.tiers...)
}

// MaxLatency is the sum of tier timeouts, the upper bound on Acquire.
func (a *Acquirer) MaxLatency() time.Duration {
	var d time.Duration
	for _, t := range a.tiers {
		d += t.Timeout
	}
	return d
}

// Acquire walks the tiers in order. A fix within a tier's threshold returns
// at once; otherwise the most accurate fix seen is returned after the last
// tier. Permission denial ends the walk. Without any fix the error wraps
// domain.ErrLocationUnavailable. If ctx ends, its error is returned.
func (a *Acquirer) Acquire(ctx context.Context) (domain.PositionReading, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "position.Acquire")
	defer span.End()
	start := time.Now()
	defer a.observe(start)

	var best *domain.PositionReading
	for _, tier := range a.tiers {
		reading, outcome, err := a.attempt(ctx, tier)
		if cerr := ctx.Err(); cerr != nil {
			span.SetStatus(codes.Error, cerr.Error())
			return domain.PositionReading{}, cerr
		}
		a.logger.Debug("position tier attempt", "tier", tier.Name, "outcome", outcome, "err", err)

		switch outcome {
		case OutcomeAccepted:
			span.SetAttributes(attribute.String("position.tier", string(tier.Name)))
			return reading, nil
		case OutcomeDenied:
			span.SetStatus(codes.Error, "permission denied")
			return domain.PositionReading{}, fmt.Errorf("%w: %w", domain.ErrLocationUnavailable, err)
		case OutcomeRetained:
			if best == nil || reading.AccuracyMeters < best.AccuracyMeters {
				r := reading
				best = &r
			}
		}
	}

	if best != nil {
		span.SetAttributes(attribute.String("position.tier", string(best.Tier)), attribute.Bool("position.best_effort", true))
		return *best, nil
	}
	span.SetStatus(codes.Error, "all tiers missed")
	return domain.PositionReading{}, fmt.Errorf("position: %d tiers exhausted: %w", len(a.tiers), domain.ErrLocationUnavailable)
}

// attempt runs one tier under its own timeout and classifies the result.
// Only OutcomeAccepted and OutcomeRetained carry a reading.
func (a *Acquirer) attempt(ctx context.Context, tier Tier) (domain.PositionReading, string, error) {
	tctx, cancel := context.WithTimeout(ctx, tier.Timeout)
	defer cancel()
	tctx, span := otel.Tracer(tracerName).Start(tctx, "position.tier")
	defer span.End()
	span.SetAttributes(
		attribute.String("position.tier", string(tier.Name)),
		attribute.String("position.mode", string(tier.Mode)),
		attribute.Float64("position.min_accuracy_m", tier.MinAccuracyMeters),
	)

	fix, err := a.sensor.RequestPosition(tctx, Request{
		Mode:         tier.Mode,
		Timeout:      tier.Timeout,
		MaxCachedAge: tier.MaxCachedAge,
	})

	var outcome string
	var reading domain.PositionReading
	switch {
	case err == nil && fix.Coordinate.Validate() != nil, err == nil && fix.AccuracyMeters < 0:
		outcome = OutcomeInvalid
		err = domain.ErrInvalidCoordinate
	case err == nil:
		reading = a.toReading(tier, fix)
		if fix.AccuracyMeters <= tier.MinAccuracyMeters {
			outcome = OutcomeAccepted
		} else {
			outcome = OutcomeRetained
		}
	case errors.Is(err, ErrPermissionDenied):
		outcome = OutcomeDenied
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeTimeout
	default:
		outcome = OutcomeUnavailable
	}

	span.SetAttributes(attribute.String("position.outcome", outcome))
	if err != nil {
		span.RecordError(err)
	}
	a.count(tier, outcome)
	return reading, outcome, err
}

func (a *Acquirer) toReading(tier Tier, fix Fix) domain.PositionReading {
	captured := fix.CapturedAt
	if captured.IsZero() {
		captured = a.now()
	}
	return domain.PositionReading{
		Coordinate:     fix.Coordinate,
		AccuracyMeters: fix.AccuracyMeters,
		Tier:           tier.Name,
		CapturedAt:     captured,
		Altitude:       fix.Altitude,
		Heading:        fix.Heading,
		SpeedMps:       fix.SpeedMps,
	}
}

func (a *Acquirer) count(tier Tier, outcome string) {
	if a.reg == nil {
		return
	}
	a.reg.Counter(metrics.WithLabels("position_tier_total", "tier", string(tier.Name), "outcome", outcome),
		"Position tier attempts by outcome").Inc()
}

func (a *Acquirer) observe(start time.Time) {
	if a.reg == nil {
		return
	}
	a.reg.Histogram("position_acquire_seconds", "Position acquisition latency", nil).Since(start)
}
