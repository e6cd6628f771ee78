package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/locus-labs/locus/engine/cache"
	"github.com/locus-labs/locus/engine/catalog"
	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/engine/match"
	"github.com/locus-labs/locus/pkg/natsutil"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	t.Cleanup(ns.Shutdown)
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestCatalogUpsertOverBusInvalidatesMatches(t *testing.T) {
	nc := startNATS(t)
	mem := testCatalog()
	svc := match.New(mem, cache.NewLRU(64))

	unsubscribe, err := subscribeCatalog(nc, svc, mem, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	home := domain.Coordinate{Latitude: 12.30, Longitude: 76.60}
	q := match.Query{Item: "dosa", Variant: domain.VariantVeg}
	if got, err := svc.FindNearby(ctx, home, q); err != nil || len(got) != 0 {
		t.Fatalf("expected no dosa yet, got %v %v", got, err)
	}

	batch := catalog.Batch{Providers: []domain.ProviderRecord{{
		ID: "dosa-corner", Name: "Dosa Corner", Rating: 4.6,
		Coordinate:      &domain.Coordinate{Latitude: 12.301, Longitude: 76.601},
		ServiceRadiusKm: km(2),
		Items:           []domain.Item{{Name: "Dosa", Variant: domain.VariantVeg}},
	}}}
	if err := natsutil.Publish(ctx, nc, catalog.UpsertSubject, batch); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := svc.FindNearby(ctx, home, q)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 && got[0].Provider.ID == "dosa-corner" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upsert never became visible, last result %v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedUpsertReachesDLQ(t *testing.T) {
	nc := startNATS(t)
	mem := testCatalog()
	unsubscribe, err := subscribeCatalog(nc, match.New(mem, cache.NewLRU(8)), mem, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	dlq, err := nc.SubscribeSync(catalog.DLQSubject)
	if err != nil {
		t.Fatal(err)
	}
	if err := nc.Publish(catalog.UpsertSubject, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msg, err := dlq.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("expected a dead letter: %v", err)
	}
	if len(msg.Data) == 0 {
		t.Fatal("empty dead letter")
	}
	if mem.Len() != 2 {
		t.Fatalf("catalog changed: %d providers", mem.Len())
	}
}
