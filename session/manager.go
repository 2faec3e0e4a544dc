package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/reply"
)

// Restorer rebuilds a live session from a persisted record, typically with
// the owning agent's gateway and tools.
type Restorer func(record reply.Record) (*reply.Session, error)

// Manager tracks live sessions and rehydrates persisted ones from a Store.
type Manager struct {
	mu       sync.RWMutex
	store    Store
	restorer Restorer
	sessions map[string]*reply.Session
	logger   *slog.Logger
}

// Option is a function that configures a Manager.
type Option func(*Manager)

// WithStore sets the store for the manager.
func WithStore(s Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithRestorer sets the function used when rehydrating sessions from
// persisted records.
func WithRestorer(restorer Restorer) Option {
	return func(m *Manager) {
		m.restorer = restorer
	}
}

// WithLogger overrides the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a new session manager with the given options.
//
// Example:
//
//	mgr := session.NewManager(session.WithStore(inmemory.NewInMemoryStore()))
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*reply.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.WithComponent("session_manager")
	}
	return m
}

// Store returns the backing store, which may be nil.
func (m *Manager) Store() Store {
	return m.store
}

// Track registers a live session so later lookups return it.
func (m *Manager) Track(sess *reply.Session) {
	if sess == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID()] = sess
}

// Get returns the live session with id, restoring it from the store when it
// is not in memory. A closed session left in memory is evicted and restored.
func (m *Manager) Get(ctx context.Context, id string) (*reply.Session, error) {
	if sess, ok := m.getCached(id); ok {
		m.logger.Debug("session hit cache", "id", id)
		return sess, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		if !sess.Closed() {
			return sess, nil
		}
		delete(m.sessions, id)
	}
	if err := m.ensureStore(); err != nil {
		return nil, err
	}

	record, err := m.store.Load(ctx, id)
	if err != nil {
		m.logger.Error("get session load failed", "id", id, "error", err)
		return nil, err
	}
	if m.restorer == nil {
		return nil, errorskg.Newf(errorskg.KindConfiguration, "session_get", "no restorer configured for session %s", id)
	}
	sess, err := m.restorer(record)
	if err != nil {
		m.logger.Error("get session restore failed", "id", id, "error", err)
		return nil, err
	}

	m.sessions[id] = sess
	m.logger.Info("session restored", "id", id, "phase", record.Phase)
	return sess, nil
}

// Save writes the current snapshot of sess to the store.
func (m *Manager) Save(ctx context.Context, sess *reply.Session) error {
	if err := m.ensureStore(); err != nil {
		return err
	}
	if err := m.store.Save(ctx, sess.Snapshot()); err != nil {
		m.logger.Error("save session failed", "id", sess.ID(), "error", err)
		return err
	}
	return nil
}

// Release closes a live session and forgets it without touching the store.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}

// Drop closes sess and forgets it if it is the session tracked under its id.
// A newer session tracked under the same id is left alone.
func (m *Manager) Drop(sess *reply.Session) {
	if sess == nil {
		return
	}
	m.mu.Lock()
	if m.sessions[sess.ID()] == sess {
		delete(m.sessions, sess.ID())
	}
	m.mu.Unlock()
	_ = sess.Close()
}

// Delete closes the session and removes it from the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.Release(id)
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Error("delete session failed", "id", id, "error", err)
		return err
	}
	m.logger.Info("session deleted", "id", id)
	return nil
}

// List returns all stored session IDs.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	if err := m.ensureStore(); err != nil {
		return nil, err
	}
	return m.store.List(ctx)
}

// Count returns the number of stored sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	if err := m.ensureStore(); err != nil {
		return 0, err
	}
	return m.store.Count(ctx)
}

// CleanupFinished removes stored sessions that reached a terminal phase more
// than olderThan ago.
func (m *Manager) CleanupFinished(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := m.ensureStore(); err != nil {
		return 0, err
	}
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, id := range ids {
		record, err := m.store.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, errorskg.ErrNotFound) {
				m.logger.Warn("cleanup load failed", "id", id, "error", err)
			}
			continue
		}
		if !record.Phase.Terminal() || record.UpdatedAt.After(cutoff) {
			continue
		}
		m.Release(id)
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn("cleanup delete failed", "id", id, "error", err)
			continue
		}
		count++
	}
	m.logger.Info("cleanup finished sessions completed", "removed", count)
	return count, nil
}

// Close releases every live session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*reply.Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
	return nil
}

func (m *Manager) ensureStore() error {
	if m.store == nil {
		return errorskg.New(errorskg.KindConfiguration, "session_manager", fmt.Errorf("session store is not configured"))
	}
	return nil
}

func (m *Manager) getCached(id string) (*reply.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok || sess.Closed() {
		return nil, false
	}
	return sess, true
}

// Len returns the number of live sessions held in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
