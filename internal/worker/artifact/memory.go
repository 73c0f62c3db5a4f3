package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Object is a stored blob and its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object

	// PutHook, when set, is called before every Put; a non-nil error fails the Put.
	PutHook func(key string) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// Get returns a reader over a copy of the stored bytes.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

// Put stores the body under key.
func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.PutHook != nil {
		if err := m.PutHook(key); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	m.mu.Lock()
	m.objects[key] = Object{Data: data, ContentType: contentType}
	m.mu.Unlock()
	return nil
}

// Object returns the stored object for key.
func (m *MemoryStore) Object(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns all stored keys, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
