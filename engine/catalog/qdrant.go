package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/locus-labs/locus/engine/domain"
)

// Payload keys written for every provider point.
const (
	payloadRecord    = "record"
	payloadLocation  = "location"
	payloadItemTerms = "item_terms"
	payloadRating    = "rating"
	payloadID        = "provider_id"
)

const scrollPage = 256

// pointNamespace derives stable point ids from provider ids.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://locus.dev/catalog/provider"))

// pointsAPI is the subset of pb.PointsClient the catalog uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the catalog uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Qdrant stores providers as points in a Qdrant collection. Each point
// carries a two-dimensional [lat, lon] vector, a geo payload used for radius
// pre-filtering and the full record as JSON.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// NewQdrant connects to Qdrant at the given gRPC address. A non-empty apiKey
// is sent as the api-key header on every call.
func NewQdrant(addr, collection, apiKey string) (*Qdrant, error) {
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if apiKey != "" {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(apiKeyInterceptor(apiKey)))
	}
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("catalog: dial qdrant %s: %w", addr, err)
	}
	q := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	q.conn = conn
	return q, nil
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// NewWithClients builds a Qdrant catalog over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *Qdrant {
	return &Qdrant{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection, if one was dialled.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection and its payload indexes if the
// collection does not exist yet.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("catalog: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: 2, Distance: pb.Distance_Euclid},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: create collection %s: %w", q.collection, err)
	}

	wait := true
	for field, typ := range map[string]pb.FieldType{
		payloadLocation:  pb.FieldType_FieldTypeGeo,
		payloadItemTerms: pb.FieldType_FieldTypeKeyword,
	} {
		_, err := q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: q.collection,
			Wait:           &wait,
			FieldName:      field,
			FieldType:      typ.Enum(),
		})
		if err != nil {
			return fmt.Errorf("catalog: index %s: %w", field, err)
		}
	}
	return nil
}

// PointID returns the Qdrant point id for a provider id.
func PointID(providerID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(providerID)).String()
}

func (q *Qdrant) Upsert(ctx context.Context, providers []domain.ProviderRecord) error {
	if len(providers) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, 0, len(providers))
	for _, p := range providers {
		pt, err := toPoint(p)
		if err != nil {
			return err
		}
		points = append(points, pt)
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("catalog: upsert %d points: %w", len(points), err)
	}
	return nil
}

func (q *Qdrant) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: delete %d points: %w", len(ids), err)
	}
	return nil
}

// ListProviders scrolls the collection. Item and distance filters are pushed
// down to Qdrant and re-checked locally.
func (q *Qdrant) ListProviders(ctx context.Context, f Filter) ([]domain.ProviderRecord, error) {
	filter := buildFilter(f)
	limit := uint32(scrollPage)
	var offset *pb.PointId
	out := make([]domain.ProviderRecord, 0)

	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("catalog: scroll %s: %w", q.collection, err)
		}
		for _, pt := range resp.GetResult() {
			p, err := fromPayload(pt.GetPayload())
			if err != nil {
				return nil, err
			}
			if f.Matches(p) {
				out = append(out, p)
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

func buildFilter(f Filter) *pb.Filter {
	var must []*pb.Condition
	if term := normaliseTerm(f.Item); term != "" {
		must = append(must, fieldMatch(payloadItemTerms, term))
	}
	if f.Near != nil && f.WithinKm > 0 {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: payloadLocation,
					GeoRadius: &pb.GeoRadius{
						Center: &pb.GeoPoint{Lat: f.Near.Latitude, Lon: f.Near.Longitude},
						Radius: float32(f.WithinKm * 1000),
					},
				},
			},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func toPoint(p domain.ProviderRecord) (*pb.PointStruct, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode provider %s: %w", p.ID, err)
	}
	payload := map[string]*pb.Value{
		payloadRecord: stringValue(string(raw)),
		payloadID:     stringValue(p.ID),
		payloadRating: {Kind: &pb.Value_DoubleValue{DoubleValue: p.Rating}},
	}
	terms := itemTerms(p.Items)
	if len(terms) > 0 {
		vals := make([]*pb.Value, len(terms))
		for i, t := range terms {
			vals[i] = stringValue(t)
		}
		payload[payloadItemTerms] = &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	}

	vec := []float32{0, 0}
	if c := p.Coordinate; c != nil {
		vec = []float32{float32(c.Latitude), float32(c.Longitude)}
		payload[payloadLocation] = &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{
			Fields: map[string]*pb.Value{
				"lat": {Kind: &pb.Value_DoubleValue{DoubleValue: c.Latitude}},
				"lon": {Kind: &pb.Value_DoubleValue{DoubleValue: c.Longitude}},
			},
		}}}
	}

	return &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(p.ID)}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
		},
		Payload: payload,
	}, nil
}

func fromPayload(payload map[string]*pb.Value) (domain.ProviderRecord, error) {
	var p domain.ProviderRecord
	raw := payload[payloadRecord].GetStringValue()
	if raw == "" {
		return p, fmt.Errorf("catalog: point %q has no record payload", payload[payloadID].GetStringValue())
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("catalog: decode provider: %w", err)
	}
	return p, nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// itemTerms lists the keywords an item query may match: each name, its words
// and their singular forms.
func itemTerms(items []domain.Item) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, it := range items {
		name := normaliseTerm(it.Name)
		add(name)
		add(strings.TrimSuffix(name, "s"))
		add(strings.TrimSuffix(name, "es"))
		for _, w := range strings.Fields(name) {
			add(w)
			add(strings.TrimSuffix(w, "s"))
		}
	}
	return out
}

func normaliseTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
