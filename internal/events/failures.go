package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Failure is a callback that could not be processed.  The provider was
// still told the delivery succeeded, so this log is the only trace.
type Failure struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Token     string    `json:"token,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	Event     string    `json:"event,omitempty"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Payload   string    `json:"payload,omitempty"`
}

// FailureLog is the dead-letter store for webhook processing failures.
type FailureLog interface {
	Record(ctx context.Context, f Failure) error
	// List returns the most recent failures, newest first.
	List(ctx context.Context, limit int) ([]Failure, error)
}

const (
	maxPayload     = 8 << 10
	defaultFailCap = 1000
)

// NewFailure fills the id and timestamp, masks the token and truncates the
// payload.
func NewFailure(token string, payload []byte, err error, kind string) Failure {
	p := string(payload)
	if len(p) > maxPayload {
		p = p[:maxPayload]
	}
	return Failure{
		ID:      uuid.NewString(),
		At:      time.Now().UTC(),
		Token:   MaskToken(token),
		Kind:    kind,
		Error:   err.Error(),
		Payload: p,
	}
}

// MaskToken keeps only a short prefix of a capability token.
func MaskToken(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + "..."
}

// MemoryFailureLog keeps the last N failures in a ring.
type MemoryFailureLog struct {
	mu   sync.Mutex
	buf  []Failure
	next int
	full bool
}

var _ FailureLog = (*MemoryFailureLog)(nil)

func NewMemoryFailureLog(capacity int) *MemoryFailureLog {
	if capacity <= 0 {
		capacity = defaultFailCap
	}
	return &MemoryFailureLog{buf: make([]Failure, capacity)}
}

func (l *MemoryFailureLog) Record(_ context.Context, f Failure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = f
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

func (l *MemoryFailureLog) List(_ context.Context, limit int) ([]Failure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Failure, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out, nil
}
