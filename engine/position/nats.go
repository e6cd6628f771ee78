package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/natsutil"
)

// SubjectPrefix is prepended to the device id to form the request subject.
const SubjectPrefix = "sensor.position."

type deviceKey struct{}

// WithDevice names the device NATSSensor should query for this request.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// DeviceFrom returns the device id stored by WithDevice.
func DeviceFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceKey{}).(string)
	return id, ok && id != ""
}

// DeviceRequest is the body sent on sensor.position.<device>.
type DeviceRequest struct {
	Mode           Mode  `json:"mode"`
	TimeoutMs      int64 `json:"timeout_ms"`
	MaxCachedAgeMs int64 `json:"max_cached_age_ms"`
}

// DeviceReply is what a device agent answers. Error is one of
// "permission_denied", "timeout" or "unavailable" when no fix is available.
type DeviceReply struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m"`
	CapturedAt     time.Time `json:"captured_at"`
	Altitude       *float64  `json:"altitude,omitempty"`
	Heading        *float64  `json:"heading,omitempty"`
	SpeedMps       *float64  `json:"speed_mps,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// NATSSensor queries a device agent over NATS request/reply.
type NATSSensor struct {
	nc natsutil.Requester
}

// NewNATSSensor returns a sensor that sends requests through nc.
func NewNATSSensor(nc natsutil.Requester) *NATSSensor {
	return &NATSSensor{nc: nc}
}

func (s *NATSSensor) RequestPosition(ctx context.Context, req Request) (Fix, error) {
	device, ok := DeviceFrom(ctx)
	if !ok {
		return Fix{}, ErrUnavailable
	}
	body := DeviceRequest{
		Mode:           req.Mode,
		TimeoutMs:      req.Timeout.Milliseconds(),
		MaxCachedAgeMs: req.MaxCachedAge.Milliseconds(),
	}
	reply, err := natsutil.Request[DeviceRequest, DeviceReply](ctx, s.nc, SubjectPrefix+device, body)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return Fix{}, fmt.Errorf("%w: device %s", ErrTimeout, device)
	case errors.Is(err, context.Canceled):
		return Fix{}, err
	default:
		return Fix{}, fmt.Errorf("%w: device %s: %v", ErrUnavailable, device, err)
	}

	switch reply.Error {
	case "":
	case "permission_denied":
		return Fix{}, ErrPermissionDenied
	case "timeout":
		return Fix{}, ErrTimeout
	default:
		return Fix{}, fmt.Errorf("%w: device %s: %s", ErrUnavailable, device, reply.Error)
	}
	return Fix{
		Coordinate:     domain.Coordinate{Latitude: reply.Latitude, Longitude: reply.Longitude},
		AccuracyMeters: reply.AccuracyMeters,
		CapturedAt:     reply.CapturedAt,
		Altitude:       reply.Altitude,
		Heading:        reply.Heading,
		SpeedMps:       reply.SpeedMps,
	}, nil
}
