package session

import (
	"context"
	"sync"
	"time"

	"dialbridge/internal/models"
)

// MemoryStore keeps sessions in process. Update runs the mutator under the
// store lock, so writes to one session are serialized.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	broker   *Broker
	now      func() time.Time
}

func NewMemoryStore(broker *Broker) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		broker:   broker,
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	if _, ok := m.sessions[s.Token]; ok {
		m.mu.Unlock()
		return ErrExists
	}
	stored := s.Clone()
	stamp(stored, m.now())
	m.sessions[s.Token] = stored
	s.Version, s.CreatedAt, s.UpdatedAt = stored.Version, stored.CreatedAt, stored.UpdatedAt
	m.mu.Unlock()

	m.broker.Publish(s.Token, stored.Version)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, token string, fn Mutator) (*models.Session, error) {
	m.mu.Lock()
	cur, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	next.Token = token
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.sessions[token] = next
	out := next.Clone()
	m.mu.Unlock()

	m.broker.Publish(token, out.Version)
	return out, nil
}

// stamp fills the bookkeeping fields of a new session.
func stamp(s *models.Session, now time.Time) {
	now = now.UTC()
	s.Version = 1
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.ContactsMap == nil {
		s.ContactsMap = map[string]models.ContactRef{}
	}
	if s.Stats.ByStatus == nil {
		s.Stats.ByStatus = map[string]int{}
	}
}
