package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/locus-labs/locus/engine/domain"
)

// Store persists dialogue requests. Requests are keyed by id and grouped
// by session; callers serialize writes per session.
type Store interface {
	Save(ctx context.Context, req domain.DialogueRequest) error
	// Get returns domain.ErrRequestNotFound for an unknown id.
	Get(ctx context.Context, id string) (domain.DialogueRequest, error)
	// Latest returns the most recently created request of the session, or
	// domain.ErrRequestNotFound.
	Latest(ctx context.Context, sessionID string) (domain.DialogueRequest, error)
	// History lists the session's requests oldest first. Never nil.
	History(ctx context.Context, sessionID string) ([]domain.DialogueRequest, error)
}

func checkSavable(req domain.DialogueRequest) error {
	if req.ID == "" || req.SessionID == "" {
		return fmt.Errorf("dialogue: request needs id and session id (id=%q session=%q)", req.ID, req.SessionID)
	}
	return nil
}

// MemoryStore keeps requests in process. Values are copied on the way in
// and out so callers never share slices with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string][]byte
	bySession map[string][]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]byte), bySession: make(map[string][]string)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Save(_ context.Context, req domain.DialogueRequest) error {
	if err := checkSavable(req); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dialogue: encode %s: %w", req.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[req.ID]; !ok {
		m.bySession[req.SessionID] = append(m.bySession[req.SessionID], req.ID)
	}
	m.byID[req.ID] = data
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.DialogueRequest, error) {
	m.mu.RLock()
	data, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return domain.DialogueRequest{}, fmt.Errorf("dialogue: %s: %w", id, domain.ErrRequestNotFound)
	}
	return decodeRequest(data)
}

func (m *MemoryStore) Latest(ctx context.Context, sessionID string) (domain.DialogueRequest, error) {
	m.mu.RLock()
	ids := m.bySession[sessionID]
	var last string
	if len(ids) > 0 {
		last = ids[len(ids)-1]
	}
	m.mu.RUnlock()
	if last == "" {
		return domain.DialogueRequest{}, fmt.Errorf("dialogue: session %s: %w", sessionID, domain.ErrRequestNotFound)
	}
	return m.Get(ctx, last)
}

func (m *MemoryStore) History(_ context.Context, sessionID string) ([]domain.DialogueRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.DialogueRequest, 0, len(m.bySession[sessionID]))
	for _, id := range m.bySession[sessionID] {
		req, err := decodeRequest(m.byID[id])
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func decodeRequest(data []byte) (domain.DialogueRequest, error) {
	var req domain.DialogueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("dialogue: decode request: %w", err)
	}
	return req, nil
}
