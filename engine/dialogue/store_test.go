package dialogue

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/repo"
)

func quantity(n int) *int { return &n }

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.Latest(ctx, "s1"); !errors.Is(err, domain.ErrRequestNotFound) {
		t.Fatalf("empty session: %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrRequestNotFound) {
		t.Fatalf("missing id: %v", err)
	}
	hist, err := s.History(ctx, "s1")
	if err != nil || hist == nil || len(hist) != 0 {
		t.Fatalf("empty history should be empty and non-nil: %v %v", hist, err)
	}

	first := domain.DialogueRequest{
		ID: "r1", SessionID: "s1", ItemName: "pizza",
		Status: domain.StatusCollectingVariant, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.Save(ctx, first); err != nil {
		t.Fatal(err)
	}
	first.Variant = domain.VariantVeg
	first.Quantity = quantity(2)
	first.Status = domain.StatusFound
	first.Results = []domain.MatchResult{{Provider: domain.ProviderRecord{ID: "p1", Name: "P1", Rating: 4.2}, DistanceKm: 1.25}}
	first.UserPosition = &domain.Coordinate{Latitude: 12.3, Longitude: 76.6}
	first.UpdatedAt = t0.Add(time.Minute)
	if err := s.Save(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := domain.DialogueRequest{
		ID: "r2", SessionID: "s1", ItemName: "biryani",
		Status: domain.StatusCollectingVariant, CreatedAt: t0.Add(2 * time.Minute), UpdatedAt: t0.Add(2 * time.Minute),
	}
	other := domain.DialogueRequest{ID: "r3", SessionID: "s2", ItemName: "dosa", Status: domain.StatusCancelled, CreatedAt: t0, UpdatedAt: t0}
	for _, r := range []domain.DialogueRequest{second, other} {
		if err := s.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFound || *got.Quantity != 2 || len(got.Results) != 1 || got.Results[0].DistanceKm != 1.25 {
		t.Fatalf("r1 round-trip lost data: %+v", got)
	}
	if !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("updated_at = %v", got.UpdatedAt)
	}

	latest, err := s.Latest(ctx, "s1")
	if err != nil || latest.ID != "r2" {
		t.Fatalf("latest = %+v, %v", latest, err)
	}

	hist, err = s.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].ID != "r1" || hist[1].ID != "r2" {
		t.Fatalf("history = %+v", hist)
	}

	if err := s.Save(ctx, domain.DialogueRequest{ID: "x"}); err == nil {
		t.Fatal("save without session should fail")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	req := domain.DialogueRequest{ID: "r1", SessionID: "s1", Results: []domain.MatchResult{{DistanceKm: 1}}}
	s.Save(ctx, req)
	req.Results[0].DistanceKm = 99

	got, _ := s.Get(ctx, "r1")
	if got.Results[0].DistanceKm != 1 {
		t.Fatal("store shares memory with caller")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "dialogue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreInMemory(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialogue.db")
	ctx := context.Background()
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	req := domain.DialogueRequest{ID: "r1", SessionID: "s1", ItemName: "thali", Status: domain.StatusCollectingQuantity, Variant: domain.VariantVeg}
	if err := s.Save(ctx, req); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Latest(ctx, "s1")
	if err != nil || got.Status != domain.StatusCollectingQuantity || got.Variant != domain.VariantVeg {
		t.Fatalf("reopened store lost the request: %+v %v", got, err)
	}
}

// memRepo is a Repository that honours the filter, order and limit options
// Neo4jStore uses.
type memRepo struct {
	items map[string]map[string]any
	lists []repo.ListOpts
}

func (m *memRepo) Get(_ context.Context, id string) (domain.DialogueRequest, error) {
	props, ok := m.items[id]
	if !ok {
		return domain.DialogueRequest{}, repo.ErrNotFound
	}
	return decodeRequest([]byte(props["doc"].(string)))
}

func (m *memRepo) List(_ context.Context, opts repo.ListOpts) ([]domain.DialogueRequest, error) {
	m.lists = append(m.lists, opts)
	var matched []map[string]any
	for _, props := range m.items {
		ok := true
		for k, v := range opts.Filter {
			if props[k] != v {
				ok = false
			}
		}
		if ok {
			matched = append(matched, props)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i][opts.OrderBy].(int64), matched[j][opts.OrderBy].(int64)
		if opts.Desc {
			return a > b
		}
		return a < b
	})
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := []domain.DialogueRequest{}
	for _, props := range matched {
		req, err := decodeRequest([]byte(props["doc"].(string)))
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (m *memRepo) Upsert(_ context.Context, req domain.DialogueRequest) (domain.DialogueRequest, error) {
	if m.items == nil {
		m.items = map[string]map[string]any{}
	}
	m.items[req.ID] = requestProps(req)
	return req, nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	delete(m.items, id)
	return nil
}

func TestNeo4jStore(t *testing.T) {
	r := &memRepo{}
	exerciseStore(t, NewNeo4jStoreWith(r))

	last := r.lists[len(r.lists)-1]
	if last.OrderBy != "created_at" || last.Filter["session_id"] != "s1" {
		t.Fatalf("unexpected list options %+v", last)
	}
}

func TestRequestPropsCarryLookupFields(t *testing.T) {
	t0 := time.Unix(100, 5)
	props := requestProps(domain.DialogueRequest{ID: "r1", SessionID: "s1", Status: domain.StatusSearching, CreatedAt: t0})
	if props["id"] != "r1" || props["session_id"] != "s1" || props["status"] != "searching" || props["created_at"] != t0.UnixNano() {
		t.Fatalf("unexpected props %+v", props)
	}
}
