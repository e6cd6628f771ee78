package position

import (
	"context"
	"errors"
	"time"

	"github.com/locus-labs/locus/engine/domain"
)

// Sensor failures. Anything else a sensor returns is treated like ErrUnavailable.
var (
	ErrPermissionDenied = errors.New("position: permission denied")
	ErrTimeout          = errors.New("position: sensor timeout")
	ErrUnavailable      = errors.New("position: sensor unavailable")
)

// Mode is the accuracy mode a tier asks the sensor for.
type Mode string

const (
	ModeHigh     Mode = "high"
	ModeBalanced Mode = "balanced"
	ModeCoarse   Mode = "coarse"
)

// Request is one sensor query. The sensor may answer from a cached fix no
// older than MaxCachedAge; zero means a fresh fix.
type Request struct {
	Mode         Mode          `json:"mode"`
	Timeout      time.Duration `json:"timeout"`
	MaxCachedAge time.Duration `json:"max_cached_age"`
}

// Fix is what a sensor returns.
type Fix struct {
	Coordinate     domain.Coordinate `json:"coordinate"`
	AccuracyMeters float64           `json:"accuracy_m"`
	CapturedAt     time.Time         `json:"captured_at"`
	Altitude       *float64          `json:"altitude,omitempty"`
	Heading        *float64          `json:"heading,omitempty"`
	SpeedMps       *float64          `json:"speed_mps,omitempty"`
}

// Sensor produces position fixes. Implementations must return when ctx is done.
type Sensor interface {
	RequestPosition(ctx context.Context, req Request) (Fix, error)
}

// SensorFunc adapts a function to Sensor.
type SensorFunc func(ctx context.Context, req Request) (Fix, error)

func (f SensorFunc) RequestPosition(ctx context.Context, req Request) (Fix, error) {
	return f(ctx, req)
}

// Static always answers with the same fix or error after an optional delay.
type Static struct {
	Fix   Fix
	Err   error
	Delay time.Duration
}

func (s Static) RequestPosition(ctx context.Context, _ Request) (Fix, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		case <-t.C:
		}
	}
	if s.Err != nil {
		return Fix{}, s.Err
	}
	return s.Fix, nil
}

// Chain asks each sensor in turn and returns the first fix. A permission
// denial stops the chain.
type Chain []Sensor

func (c Chain) RequestPosition(ctx context.Context, req Request) (Fix, error) {
	err := ErrUnavailable
	for _, s := range c {
		fix, e := s.RequestPosition(ctx, req)
		if e == nil {
			return fix, nil
		}
		if errors.Is(e, ErrPermissionDenied) || ctx.Err() != nil {
			return Fix{}, e
		}
		err = e
	}
	return Fix{}, err
}

type reportedKey struct{}

// WithReportedFix attaches a client-reported fix to ctx for ReportedSensor.
func WithReportedFix(ctx context.Context, fix Fix) context.Context {
	return context.WithValue(ctx, reportedKey{}, fix)
}

// ReportedFrom returns the fix attached with WithReportedFix.
func ReportedFrom(ctx context.Context) (Fix, bool) {
	fix, ok := ctx.Value(reportedKey{}).(Fix)
	return fix, ok
}

// ReportedSensor answers from the fix the client sent with its request.
// A fix older than the tier allows (plus Slack for transit) is unavailable.
type ReportedSensor struct {
	Slack time.Duration
	Now   func() time.Time
}

// DefaultReportSlack is the transit allowance for client-reported fixes.
const DefaultReportSlack = 15 * time.Second

func (r ReportedSensor) RequestPosition(ctx context.Context, req Request) (Fix, error) {
	fix, ok := ReportedFrom(ctx)
	if !ok {
		return Fix{}, ErrUnavailable
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	slack := r.Slack
	if slack == 0 {
		slack = DefaultReportSlack
	}
	if !fix.CapturedAt.IsZero() && now().Sub(fix.CapturedAt) > req.MaxCachedAge+slack {
		return Fix{}, ErrUnavailable
	}
	return fix, nil
}
