package webhook

import (
	"context"
	"sync"
	"time"

	"your.org/session-hub/internal/errs"
)

// Registration binds a capability token and HMAC secret to one session.
type Registration struct {
	Token      string     `json:"token"`
	Secret     string     `json:"-"`
	SessionID  string     `json:"sessionId"`
	TenantID   string     `json:"tenantId"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Store persists registrations.  Insert fails with an errs.ErrConflict kind
// when the token already exists.
type Store interface {
	Insert(ctx context.Context, reg Registration) error
	ByToken(ctx context.Context, token string) (Registration, error)
	ActiveBySession(ctx context.Context, sessionID string) (Registration, error)
	// DeactivateSession marks every active registration of sessionID inactive.
	DeactivateSession(ctx context.Context, sessionID string) error
	Touch(ctx context.Context, token string, at time.Time) error
}

// MemoryStore keeps registrations by token; the session index is derived
// from the token map and only ever points at the active registration.
type MemoryStore struct {
	mu        sync.RWMutex
	byToken   map[string]Registration
	bySession map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken:   map[string]Registration{},
		bySession: map[string]string{},
	}
}

func (s *MemoryStore) Insert(_ context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byToken[reg.Token]; ok {
		return errs.Conflict("webhook token already registered")
	}
	if reg.Active {
		if prev, ok := s.bySession[reg.SessionID]; ok {
			old := s.byToken[prev]
			old.Active = false
			s.byToken[prev] = old
		}
		s.bySession[reg.SessionID] = reg.Token
	}
	s.byToken[reg.Token] = reg
	return nil
}

func (s *MemoryStore) ByToken(_ context.Context, token string) (Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byToken[token]
	if !ok {
		return Registration{}, errs.NotFound("webhook token not found")
	}
	return reg, nil
}

func (s *MemoryStore) ActiveBySession(_ context.Context, sessionID string) (Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.bySession[sessionID]
	if !ok {
		return Registration{}, errs.NotFound("no active webhook for session %s", sessionID)
	}
	return s.byToken[tok], nil
}

func (s *MemoryStore) DeactivateSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.bySession[sessionID]
	if !ok {
		return nil
	}
	reg := s.byToken[tok]
	reg.Active = false
	s.byToken[tok] = reg
	delete(s.bySession, sessionID)
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.byToken[token]
	if !ok {
		return errs.NotFound("webhook token not found")
	}
	reg.LastUsedAt = &at
	s.byToken[token] = reg
	return nil
}
