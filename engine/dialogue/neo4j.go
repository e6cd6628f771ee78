package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/repo"
)

// Neo4jLabel is the node label dialogue requests are stored under.
const Neo4jLabel = "DialogueRequest"

// historyLimit bounds History on graph-backed stores.
const historyLimit = 1000

// Neo4jStore stores one DialogueRequest node per request.
type Neo4jStore struct {
	repo repo.Repository[domain.DialogueRequest, string]
}

var _ Store = (*Neo4jStore)(nil)

// NewNeo4jStore builds a store on driver. database may be empty.
func NewNeo4jStore(driver neo4j.DriverWithContext, database string) *Neo4jStore {
	var opts []repo.Neo4jOption[domain.DialogueRequest, string]
	if database != "" {
		opts = append(opts, repo.WithDatabase[domain.DialogueRequest, string](database))
	}
	r := repo.NewNeo4jRepo[domain.DialogueRequest, string](driver, Neo4jLabel, requestProps, requestFromRecord, opts...)
	return &Neo4jStore{repo: r}
}

// NewNeo4jStoreWith builds a store over an existing repository.
func NewNeo4jStoreWith(r repo.Repository[domain.DialogueRequest, string]) *Neo4jStore {
	return &Neo4jStore{repo: r}
}

// EnsureIndexes creates the id constraint and the session lookup index.
func (s *Neo4jStore) EnsureIndexes(ctx context.Context) error {
	type indexer interface {
		EnsureIndexes(ctx context.Context, props ...string) error
	}
	if ix, ok := s.repo.(indexer); ok {
		return ix.EnsureIndexes(ctx, "session_id", "created_at")
	}
	return nil
}

func (s *Neo4jStore) Save(ctx context.Context, req domain.DialogueRequest) error {
	if err := checkSavable(req); err != nil {
		return err
	}
	if _, err := s.repo.Upsert(ctx, req); err != nil {
		return fmt.Errorf("dialogue: save %s: %w", req.ID, err)
	}
	return nil
}

func (s *Neo4jStore) Get(ctx context.Context, id string) (domain.DialogueRequest, error) {
	req, err := s.repo.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return req, fmt.Errorf("dialogue: %s: %w", id, domain.ErrRequestNotFound)
	}
	return req, err
}

func (s *Neo4jStore) Latest(ctx context.Context, sessionID string) (domain.DialogueRequest, error) {
	reqs, err := s.repo.List(ctx, repo.ListOpts{
		Filter:  map[string]any{"session_id": sessionID},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return domain.DialogueRequest{}, fmt.Errorf("dialogue: latest %s: %w", sessionID, err)
	}
	if len(reqs) == 0 {
		return domain.DialogueRequest{}, fmt.Errorf("dialogue: session %s: %w", sessionID, domain.ErrRequestNotFound)
	}
	return reqs[0], nil
}

func (s *Neo4jStore) History(ctx context.Context, sessionID string) ([]domain.DialogueRequest, error) {
	reqs, err := s.repo.List(ctx, repo.ListOpts{
		Filter:  map[string]any{"session_id": sessionID},
		OrderBy: "created_at",
		Limit:   historyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("dialogue: history %s: %w", sessionID, err)
	}
	return reqs, nil
}

// requestProps flattens a request into node properties. Lookup fields are
// top-level; the whole request rides along as JSON.
func requestProps(req domain.DialogueRequest) map[string]any {
	doc, _ := encodeRequest(req)
	return map[string]any{
		"id":         req.ID,
		"session_id": req.SessionID,
		"status":     string(req.Status),
		"item_name":  req.ItemName,
		"created_at": req.CreatedAt.UnixNano(),
		"updated_at": req.UpdatedAt.UnixNano(),
		"doc":        doc,
	}
}

func requestFromRecord(rec *neo4j.Record) (domain.DialogueRequest, error) {
	props, err := repo.NodeProps(rec)
	if err != nil {
		return domain.DialogueRequest{}, err
	}
	doc, _ := props["doc"].(string)
	if doc == "" {
		return domain.DialogueRequest{}, fmt.Errorf("dialogue: node %v has no doc", props["id"])
	}
	return decodeRequest([]byte(doc))
}

func encodeRequest(req domain.DialogueRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("dialogue: encode %s: %w", req.ID, err)
	}
	return string(data), nil
}
