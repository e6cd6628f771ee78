package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/fn"
)

// Memory is an in-process catalog. Listing order is insertion order.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]domain.ProviderRecord
	order []string
}

// NewMemory returns a catalog holding providers. Later duplicates of an id win.
func NewMemory(providers ...domain.ProviderRecord) *Memory {
	m := &Memory{byID: make(map[string]domain.ProviderRecord)}
	for _, p := range fn.UniqueBy(providers, func(p domain.ProviderRecord) string { return p.ID }) {
		m.byID[p.ID] = p
		m.order = append(m.order, p.ID)
	}
	return m
}

func (m *Memory) ListProviders(_ context.Context, f Filter) ([]domain.ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ProviderRecord, 0, len(m.order))
	for _, id := range m.order {
		if p := m.byID[id]; f.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, providers []domain.ProviderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range providers {
		if _, ok := m.byID[p.ID]; !ok {
			m.order = append(m.order, p.ID)
		}
		m.byID[p.ID] = p
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.byID[id]; ok {
			drop[id] = true
			delete(m.byID, id)
		}
	}
	if len(drop) > 0 {
		m.order = fn.Filter(m.order, func(id string) bool { return !drop[id] })
	}
	return nil
}

// Len returns the number of providers held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// File is the YAML catalog layout.
type File struct {
	Providers []domain.ProviderRecord `yaml:"providers"`
}

// LoadFile reads a YAML catalog. Records failing validation are skipped and
// logged; a missing file is an error.
func LoadFile(path string, log *slog.Logger) ([]domain.ProviderRecord, error) {
	if log == nil {
		log = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return fn.Filter(f.Providers, func(p domain.ProviderRecord) bool {
		if err := domain.ValidateProvider(p); err != nil {
			log.Warn("catalog: skipping invalid provider", "id", p.ID, "err", err)
			return false
		}
		return true
	}), nil
}

// NewFileCatalog loads path into a Memory catalog.
func NewFileCatalog(path string, log *slog.Logger) (*Memory, error) {
	providers, err := LoadFile(path, log)
	if err != nil {
		return nil, err
	}
	return NewMemory(providers...), nil
}
