package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	doc      Document
	revision uint64
}

// NewMemoryStore creates a store holding a copy of doc
func NewMemoryStore(doc Document) *MemoryStore {
	if doc == nil {
		doc = make(Document)
	}
	return &MemoryStore{doc: Clone(doc)}
}

// NewMemoryStoreFromFile seeds a memory store from a YAML document.
// A top-level "values" key is unwrapped so ESC definitions can be used as seeds.
func NewMemoryStoreFromFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- seed path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if values, ok := asMap(doc["values"]); ok && len(doc) == 1 {
		doc = values
	}

	return NewMemoryStore(doc), nil
}

// Name returns the backend name
func (m *MemoryStore) Name() string {
	return "memory"
}

// ReadAll returns a copy of the whole document
func (m *MemoryStore) ReadAll(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return Clone(m.doc), nil
}

// ReadPath returns the value at path
func (m *MemoryStore) ReadPath(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := GetPath(m.doc, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return cloneValue(v), nil
}

// UpdatePath sets the value at path and bumps the revision
func (m *MemoryStore) UpdatePath(ctx context.Context, path string, value string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := SetPath(m.doc, path, value); err != nil {
		return err
	}
	m.revision++
	return nil
}

// Close releases nothing; it exists to satisfy Store
func (m *MemoryStore) Close() error {
	return nil
}
