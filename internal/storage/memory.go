package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Blob. It backs STORE_DRIVER=memory and tests.
type Memory struct {
	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
}

var _ Blob = (*Memory)(nil)

func NewMemory(baseURL string) *Memory {
	return &Memory{baseURL: baseURL, objects: make(map[string][]byte)}
}

func (m *Memory) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Download(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) PublicURL(path string) string {
	return m.baseURL + "/" + path
}

// Paths lists stored object paths in sorted order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
