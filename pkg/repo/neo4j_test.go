package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type mockResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }
func (m *mockResult) Err() error            { return m.err }

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockRunner) Close(ctx context.Context) error { return nil }

type session struct {
	ID     string
	Status string
}

func makeRecord(id, status string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{neo4j.Node{Props: map[string]any{"id": id, "status": status}}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner) *Neo4jRepo[session, string] {
	repo := NewNeo4jRepo[session, string](
		nil, "DialogueRequest",
		func(s session) map[string]any { return map[string]any{"id": s.ID, "status": s.Status} },
		func(rec *neo4j.Record) (session, error) {
			props, err := NodeProps(rec)
			if err != nil {
				return session{}, err
			}
			id, _ := props["id"].(string)
			st, _ := props["status"].(string)
			return session{ID: id, Status: st}, nil
		},
	)
	repo.newSession = func(ctx context.Context) runner { return r }
	return repo
}

func TestNewNeo4jRepoDefaults(t *testing.T) {
	r := NewNeo4jRepo[session, string](nil, "Node", nil, nil)
	if r.idKey != "id" {
		t.Fatalf("expected default idKey=id, got %s", r.idKey)
	}
	r = NewNeo4jRepo[session, string](nil, "Node", nil, nil,
		WithIDKey[session, string]("uuid"), WithDatabase[session, string]("locus"))
	if r.idKey != "uuid" || r.database != "locus" {
		t.Fatalf("options not applied: %+v", r)
	}
}

func TestGet(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("r1", "searching")}}}
	s, err := newTestRepo(r).Get(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "r1" || s.Status != "searching" {
		t.Fatalf("got %+v", s)
	}
}

func TestGetNotFound(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	_, err := newTestRepo(r).Get(context.Background(), "x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetRunError(t *testing.T) {
	r := &mockRunner{err: errors.New("db down")}
	_, err := newTestRepo(r).Get(context.Background(), "x")
	if err == nil || err.Error() != "db down" {
		t.Fatalf("expected db down, got %v", err)
	}
}

func TestListBuildsFilterAndOrder(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "found"), makeRecord("2", "found")}}}
	items, err := newTestRepo(r).List(context.Background(), ListOpts{
		Limit:   5,
		Filter:  map[string]any{"status": "found", "session_id": "s1"},
		OrderBy: "created_at",
		Desc:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	want := "MATCH (n:DialogueRequest) WHERE n.session_id = $f_session_id AND n.status = $f_status RETURN n ORDER BY n.created_at DESC SKIP $offset LIMIT $limit"
	if r.cyphers[0] != want {
		t.Fatalf("cypher:\n got %s\nwant %s", r.cyphers[0], want)
	}
	if r.params[0]["f_session_id"] != "s1" || r.params[0]["limit"] != 5 {
		t.Fatalf("unexpected params %v", r.params[0])
	}
}

func TestListEmptyIsNonNil(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	items, err := newTestRepo(r).List(context.Background(), ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", items)
	}
	if r.params[0]["limit"] != 100 {
		t.Fatalf("expected default limit 100, got %v", r.params[0]["limit"])
	}
}

func TestListRejectsUnsafeKeys(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	repo := newTestRepo(r)
	if _, err := repo.List(context.Background(), ListOpts{Filter: map[string]any{"x}) DETACH DELETE n //": 1}}); err == nil {
		t.Fatal("expected invalid filter key error")
	}
	if _, err := repo.List(context.Background(), ListOpts{OrderBy: "a b"}); err == nil {
		t.Fatal("expected invalid order key error")
	}
	if len(r.cyphers) != 0 {
		t.Fatal("no statement should run for invalid keys")
	}
}

func TestListResultError(t *testing.T) {
	r := &mockRunner{result: &mockResult{err: errors.New("stream broke")}}
	if _, err := newTestRepo(r).List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected stream error")
	}
}

func TestUpsertMerges(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("r1", "found")}}}
	s, err := newTestRepo(r).Upsert(context.Background(), session{ID: "r1", Status: "found"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != "found" {
		t.Fatalf("got %+v", s)
	}
	if !strings.HasPrefix(r.cyphers[0], "MERGE (n:DialogueRequest {id: $id}) SET n = $props") {
		t.Fatalf("unexpected cypher %s", r.cyphers[0])
	}
	if r.params[0]["id"] != "r1" {
		t.Fatalf("unexpected id param %v", r.params[0]["id"])
	}
}

func TestUpsertNoRow(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	if _, err := newTestRepo(r).Upsert(context.Background(), session{ID: "r1"}); err == nil {
		t.Fatal("expected error when MERGE returns nothing")
	}
}

func TestDelete(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	if err := newTestRepo(r).Delete(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if r.cyphers[0] != "MATCH (n:DialogueRequest {id: $id}) DELETE n" {
		t.Fatalf("unexpected cypher %s", r.cyphers[0])
	}
}

func TestEnsureIndexes(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	repo := newTestRepo(r)
	if err := repo.EnsureIndexes(context.Background(), "session_id"); err != nil {
		t.Fatal(err)
	}
	if len(r.cyphers) != 2 || !strings.Contains(r.cyphers[1], "ON (n.session_id)") {
		t.Fatalf("unexpected statements %v", r.cyphers)
	}
	if err := repo.EnsureIndexes(context.Background(), "bad key"); err == nil {
		t.Fatal("expected invalid property error")
	}
}

func TestNodePropsPlainMap(t *testing.T) {
	rec := &neo4j.Record{Values: []any{map[string]any{"id": "x"}}, Keys: []string{"n"}}
	props, err := NodeProps(rec)
	if err != nil || props["id"] != "x" {
		t.Fatalf("got %v, %v", props, err)
	}
	if _, err := NodeProps(&neo4j.Record{Values: []any{1}, Keys: []string{"n"}}); err == nil {
		t.Fatal("expected type error")
	}
	if _, err := NodeProps(&neo4j.Record{}); err == nil {
		t.Fatal("expected missing n error")
	}
}
