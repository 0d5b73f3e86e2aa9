/*
Package archive stores committed reconciliation and adjustment results
outside the database.

PURPOSE:
  Compliance exports. The engine writes one JSON object per committed run
  under a deterministic key:
    reconciliations/<pool>/<run_id>.json
    adjustments/<run_id>.json

IMPLEMENTATIONS:
  S3:     AWS S3 or any S3-compatible endpoint (MinIO)
  Memory: tests and deployments without a bucket
*/
package archive

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory keeps archived objects in a map.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

// Get returns a stored object.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	return b, ok
}

// Keys lists stored keys with the given prefix, sorted.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
