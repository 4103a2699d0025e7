package auth

import (
	"context"
	"sync"
	"time"

	"saleslens.org/internal/obs"
)

// DefaultExpiredRetention is how long expired sessions are kept so a late
// request is told its session expired rather than that it never existed.
const DefaultExpiredRetention = 30 * time.Minute

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	retention time.Duration
}

var _ SessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:  make(map[string]Session),
		retention: DefaultExpiredRetention,
	}
}

func (m *MemorySessionStore) Put(_ context.Context, s Session) error {
	if s.ID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) Replace(_ context.Context, s Session) error {
	if s.ID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of held sessions, expired ones included.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions that expired more than the retention window before now.
func (m *MemorySessionStore) Sweep(now time.Time) int {
	cutoff := now.Add(-m.retention)
	removed := 0
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (m *MemorySessionStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				obs.Log(obs.LevelDebug, "sessions swept", map[string]any{"removed": n})
			}
			obs.SetActiveSessions(m.Len())
		}
	}
}
