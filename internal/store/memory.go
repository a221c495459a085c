package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// MemoryStore keeps session records in process memory. Used by tests and
// one-shot CLI runs where durability across restarts is not needed.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*schemas.Session
	log      *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*schemas.Session),
		log:      logger.Named("store.memory"),
	}
}

var _ schemas.SessionStore = (*MemoryStore)(nil)

// Create inserts a fresh session record and returns a copy of it.
func (m *MemoryStore) Create(ctx context.Context, instruction string) (*schemas.Session, error) {
	s := newSession(instruction)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Debug("Session created", zap.String("session_id", s.ID))
	return s.Clone(), nil
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(ctx context.Context, id string) (*schemas.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, schemas.ErrSessionNotFound)
	}
	return s.Clone(), nil
}

// Save replaces the full record. The caller's revision must match the
// stored one; on success the stored revision is bumped and reflected back
// into the caller's session.
func (m *MemoryStore) Save(ctx context.Context, session *schemas.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[session.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", session.ID, schemas.ErrSessionNotFound)
	}
	if stored.Revision != session.Revision {
		return fmt.Errorf("session %s: stale save (stored revision %d, caller %d): %w",
			session.ID, stored.Revision, session.Revision, schemas.ErrConcurrencyViolation)
	}

	session.Revision++
	session.UpdatedAt = nowUTC()
	m.sessions[session.ID] = session.Clone()
	return nil
}

// List returns copies of all records ordered by creation time.
func (m *MemoryStore) List(ctx context.Context) ([]*schemas.Session, error) {
	m.mu.RLock()
	out := make([]*schemas.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPendingApprovals returns sessions waiting on a human decision.
func (m *MemoryStore) ListPendingApprovals(ctx context.Context) ([]*schemas.Session, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*schemas.Session
	for _, s := range all {
		if s.OpenApproval() != nil {
			out = append(out, s)
		}
	}
	return out, nil
}
