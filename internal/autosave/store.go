package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drfirst/visitnote/internal/domain/note"
)

// ErrNotFound is returned by Store.Get when no value exists for a key
var ErrNotFound = errors.New("autosave record not found")

// Store is the durable key-value layer autosave records are written to.
// Values are opaque bytes so a corrupt record can be detected and purged.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Record is what one autosave persists
type Record struct {
	Data      note.Fields `json:"data"`
	Timestamp int64       `json:"timestamp"`
	PatientID string      `json:"patientId"`
	VisitID   string      `json:"visitId,omitempty"`
}

// Key returns the storage key for an identity's record
func Key(namespace string, id note.Identity) string {
	return fmt.Sprintf("%s-autosave-%s-%s", namespace, id.PatientID, id.VisitKey())
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns every stored key
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}
