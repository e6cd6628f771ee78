package catalog

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/locus-labs/locus/engine/domain"
)

type fakePoints struct {
	upserts []*pb.UpsertPoints
	deletes []*pb.DeletePoints
	scrolls []*pb.ScrollPoints
	indexes []string
	pages   []*pb.ScrollResponse
	err     error
}

func (f *fakePoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.upserts = append(f.upserts, in)
	return &pb.PointsOperationResponse{}, f.err
}

func (f *fakePoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.deletes = append(f.deletes, in)
	return &pb.PointsOperationResponse{}, f.err
}

func (f *fakePoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	f.scrolls = append(f.scrolls, in)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return &pb.ScrollResponse{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakePoints) CreateFieldIndex(_ context.Context, in *pb.CreateFieldIndexCollection, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.indexes = append(f.indexes, in.GetFieldName())
	return &pb.PointsOperationResponse{}, f.err
}

type fakeCollections struct {
	existing []string
	created  []*pb.CreateCollection
}

func (f *fakeCollections) List(context.Context, *pb.ListCollectionsRequest, ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	resp := &pb.ListCollectionsResponse{}
	for _, n := range f.existing {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: n})
	}
	return resp, nil
}

func (f *fakeCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	f.created = append(f.created, in)
	return &pb.CollectionOperationResponse{Result: true}, nil
}

// pointFor builds the stored form of p the way Upsert writes it.
func pointFor(t *testing.T, p domain.ProviderRecord) *pb.RetrievedPoint {
	t.Helper()
	pt, err := toPoint(p)
	if err != nil {
		t.Fatal(err)
	}
	return &pb.RetrievedPoint{Id: pt.Id, Payload: pt.Payload}
}

func TestQdrantEnsureCollection(t *testing.T) {
	points, cols := &fakePoints{}, &fakeCollections{}
	q := NewWithClients(points, cols, "providers")

	if err := q.EnsureCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(cols.created) != 1 {
		t.Fatalf("expected create, got %d", len(cols.created))
	}
	params := cols.created[0].GetVectorsConfig().GetParams()
	if params.GetSize() != 2 || params.GetDistance() != pb.Distance_Euclid {
		t.Fatalf("unexpected vector params %+v", params)
	}
	if len(points.indexes) != 2 {
		t.Fatalf("expected two payload indexes, got %v", points.indexes)
	}

	cols.existing = []string{"providers"}
	if err := q.EnsureCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(cols.created) != 1 {
		t.Fatal("existing collection should not be recreated")
	}
}

func TestQdrantUpsertPayload(t *testing.T) {
	points := &fakePoints{}
	q := NewWithClients(points, &fakeCollections{}, "providers")

	p := provider("p1", 12.97, 77.59, 5, 4.5, pizza)
	if err := q.Upsert(context.Background(), []domain.ProviderRecord{p}); err != nil {
		t.Fatal(err)
	}
	if len(points.upserts) != 1 || len(points.upserts[0].GetPoints()) != 1 {
		t.Fatalf("unexpected upserts %+v", points.upserts)
	}
	pt := points.upserts[0].GetPoints()[0]
	if pt.GetId().GetUuid() != PointID("p1") {
		t.Fatalf("point id %q", pt.GetId().GetUuid())
	}
	loc := pt.GetPayload()[payloadLocation].GetStructValue().GetFields()
	if loc["lat"].GetDoubleValue() != 12.97 || loc["lon"].GetDoubleValue() != 77.59 {
		t.Fatalf("unexpected location payload %+v", loc)
	}
	terms := map[string]bool{}
	for _, v := range pt.GetPayload()[payloadItemTerms].GetListValue().GetValues() {
		terms[v.GetStringValue()] = true
	}
	for _, want := range []string{"margherita pizza", "pizza", "margherita"} {
		if !terms[want] {
			t.Fatalf("missing term %q in %v", want, terms)
		}
	}

	if err := q.Upsert(context.Background(), nil); err != nil || len(points.upserts) != 1 {
		t.Fatal("empty upsert should be a no-op")
	}
}

func TestPointIDDeterministic(t *testing.T) {
	if PointID("a") != PointID("a") || PointID("a") == PointID("b") {
		t.Fatal("point ids must be stable per provider and distinct across providers")
	}
}

func TestQdrantListPagesAndFilters(t *testing.T) {
	a := provider("a", 12.97, 77.59, 5, 4.5, vegBiryani)
	b := provider("b", 12.98, 77.60, 5, 4.0, nonVegBiryani)
	// Returned by Qdrant but outside the radius when checked locally.
	c := provider("c", 13.50, 78.00, 5, 3.0, vegBiryani)
	next := &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID("b")}}
	points := &fakePoints{pages: []*pb.ScrollResponse{
		{Result: []*pb.RetrievedPoint{pointFor(t, a)}, NextPageOffset: next},
		{Result: []*pb.RetrievedPoint{pointFor(t, b), pointFor(t, c)}},
	}}
	q := NewWithClients(points, &fakeCollections{}, "providers")

	near := &domain.Coordinate{Latitude: 12.97, Longitude: 77.59}
	got, err := q.ListProviders(context.Background(), Filter{Item: "Biryani", Near: near, WithinKm: 10})
	if err != nil {
		t.Fatal(err)
	}
	if g := ids(got); len(g) != 2 || g[0] != "a" || g[1] != "b" {
		t.Fatalf("unexpected providers %v", g)
	}
	if len(points.scrolls) != 2 {
		t.Fatalf("expected two scroll pages, got %d", len(points.scrolls))
	}
	if points.scrolls[1].GetOffset().GetUuid() != PointID("b") {
		t.Fatal("second page should start at the returned offset")
	}

	must := points.scrolls[0].GetFilter().GetMust()
	if len(must) != 2 {
		t.Fatalf("expected item and geo conditions, got %d", len(must))
	}
	if kw := must[0].GetField().GetMatch().GetKeyword(); kw != "biryani" {
		t.Fatalf("item keyword %q", kw)
	}
	if r := must[1].GetField().GetGeoRadius(); r.GetRadius() != 10000 || r.GetCenter().GetLat() != 12.97 {
		t.Fatalf("unexpected geo radius %+v", r)
	}
}

func TestQdrantListNoFilter(t *testing.T) {
	points := &fakePoints{}
	q := NewWithClients(points, &fakeCollections{}, "providers")
	got, err := q.ListProviders(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", got)
	}
	if points.scrolls[0].GetFilter() != nil {
		t.Fatal("zero filter should not send conditions")
	}
}

func TestQdrantErrors(t *testing.T) {
	boom := errors.New("unavailable")
	q := NewWithClients(&fakePoints{err: boom}, &fakeCollections{}, "providers")
	ctx := context.Background()

	if _, err := q.ListProviders(ctx, Filter{}); !errors.Is(err, boom) {
		t.Fatalf("list: %v", err)
	}
	if err := q.Upsert(ctx, []domain.ProviderRecord{provider("a", 0, 0, 1, 1)}); !errors.Is(err, boom) {
		t.Fatalf("upsert: %v", err)
	}
	if err := q.Delete(ctx, []string{"a"}); !errors.Is(err, boom) {
		t.Fatalf("delete: %v", err)
	}
}

func TestQdrantDeleteByPointID(t *testing.T) {
	points := &fakePoints{}
	q := NewWithClients(points, &fakeCollections{}, "providers")
	if err := q.Delete(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	got := points.deletes[0].GetPoints().GetPoints().GetIds()
	if len(got) != 2 || got[0].GetUuid() != PointID("a") {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestFromPayloadMissingRecord(t *testing.T) {
	if _, err := fromPayload(map[string]*pb.Value{payloadID: stringValue("x")}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAPIKeyInterceptorAddsHeader(t *testing.T) {
	var got []string
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get("api-key")
		return nil
	}
	err := apiKeyInterceptor("s3cret")(context.Background(), "/qdrant.Points/Scroll", nil, nil, nil, invoker)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "s3cret" {
		t.Fatalf("expected api-key header, got %v", got)
	}
}
