package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

// StateStorage implements ports.StateStorage using an in-memory map.
// Documents are stored encoded so callers never share state with the store.
type StateStorage struct {
	docs map[string][]byte
	mu   sync.RWMutex
}

// NewStateStorage creates a new in-memory state storage
func NewStateStorage() *StateStorage {
	return &StateStorage{
		docs: make(map[string][]byte),
	}
}

// Save persists a constellation document
func (s *StateStorage) Save(ctx context.Context, doc *constellation.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal constellation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[doc.ID] = data
	return nil
}

// Load retrieves a constellation document
func (s *StateStorage) Load(ctx context.Context, id string) (*constellation.Document, error) {
	s.mu.RLock()
	data, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}

	var doc constellation.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal constellation: %w", err)
	}
	return &doc, nil
}

// Delete removes a constellation document
func (s *StateStorage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, id)
	return nil
}

// Exists checks if a constellation is stored
func (s *StateStorage) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.docs[id]
	return ok, nil
}

// List returns all stored constellation IDs
func (s *StateStorage) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids, nil
}
