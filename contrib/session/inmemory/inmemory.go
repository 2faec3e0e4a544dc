// Package inmemory provides a process-local session.Store.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/session"
)

// InMemoryStore implements session storage using in-memory storage
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]reply.Record
}

var _ session.Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory session store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]reply.Record),
	}
}

// Save saves a session to the store
func (s *InMemoryStore) Save(ctx context.Context, record reply.Record) error {
	if err := session.CheckRecord(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.ID] = record.Clone()
	return nil
}

// Load loads a session from the store
func (s *InMemoryStore) Load(ctx context.Context, id string) (reply.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.sessions[id]
	if !exists {
		return reply.Record{}, session.NotFound(id)
	}
	return record.Clone(), nil
}

// Delete removes a session from the store. Deleting an unknown id is not an
// error.
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// List returns all session IDs in the store, sorted.
func (s *InMemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of sessions in the store
func (s *InMemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// Exists checks if a session exists in the store
func (s *InMemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.sessions[id]
	return exists, nil
}

// Clear removes all sessions from the store
func (s *InMemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]reply.Record)
	return nil
}
