// Command devicesim answers sensor.position.<device> requests with a fixed
// fix, standing in for a phone agent during local development.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/locus-labs/locus/engine/position"
	"github.com/locus-labs/locus/pkg/natsutil"
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// agent is the simulated device.
type agent struct {
	lat, lon float64
	// accuracy is reported for high-accuracy requests; coarser modes
	// report a multiple of it.
	accuracy float64
	deny     bool
	now      func() time.Time
	log      *slog.Logger
}

func (a agent) answer(_ context.Context, req position.DeviceRequest) (position.DeviceReply, error) {
	a.log.Info("position requested", "mode", req.Mode, "timeout_ms", req.TimeoutMs)
	if a.deny {
		return position.DeviceReply{Error: "permission_denied"}, nil
	}
	acc := a.accuracy
	switch req.Mode {
	case position.ModeBalanced:
		acc *= 4
	case position.ModeCoarse:
		acc *= 20
	}
	return position.DeviceReply{
		Latitude:       a.lat,
		Longitude:      a.lon,
		AccuracyMeters: acc,
		CapturedAt:     a.now(),
	}, nil
}

func main() {
	natsURL := flag.String("nats", envOr("NATS_URL", nats.DefaultURL), "NATS server URL")
	device := flag.String("device", "sim-1", "device id to answer for")
	lat := flag.Float64("lat", 12.2958, "latitude")
	lon := flag.Float64("lon", 76.6394, "longitude")
	accuracy := flag.Float64("accuracy", 15, "accuracy in meters for high-accuracy fixes")
	deny := flag.Bool("deny", false, "answer every request with permission_denied")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(*natsURL, nats.Name("locus-devicesim"))
	if err != nil {
		log.Error("nats connect", "err", err)
		os.Exit(1)
	}
	defer nc.Drain()

	a := agent{lat: *lat, lon: *lon, accuracy: *accuracy, deny: *deny, now: time.Now, log: log}
	sub, err := natsutil.Respond(nc, position.SubjectPrefix+*device, a.answer)
	if err != nil {
		log.Error("subscribe", "err", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	log.Info("device agent ready", "device", *device, "lat", *lat, "lon", *lon)
	<-ctx.Done()
}
