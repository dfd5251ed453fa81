package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and local runs. Documents
// are kept as their JSON encoding so reads exercise the same decode
// path as the hosted backend.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte

	// FailOn lets tests inject a read/write fault for a path prefix.
	FailOn func(op, path string) error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) fail(op, path string) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn(op, path)
}

// Get reads a document into out.
func (m *Memory) Get(ctx context.Context, path string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("get", path); err != nil {
		return err
	}
	m.mu.RLock()
	raw, ok := m.docs[path]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}

// Set creates or overwrites a document.
func (m *Memory) Set(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("set", path); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}
	m.mu.Lock()
	m.docs[path] = raw
	m.mu.Unlock()
	return nil
}

// List returns documents directly under a collection path, ordered by path.
func (m *Memory) List(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fail("list", collection); err != nil {
		return nil, err
	}
	prefix := collection + "/"
	m.mu.RLock()
	var out []Document
	for path, raw := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		// Direct children only: the remainder must be a single segment.
		if strings.ContainsRune(path[len(prefix):], '/') {
			continue
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		out = append(out, Document{Path: path, Data: cp})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete removes a document.
func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fail("delete", path); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.docs, path)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Paths returns every stored path, sorted. Test helper.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.docs))
	for p := range m.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var _ Store = (*Memory)(nil)
