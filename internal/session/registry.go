package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"your.org/session-hub/internal/errs"
)

// Registry is the durable, tenant-scoped store of session records.  Writes
// are last-write-wins per session id; callers serialize same-session work
// with a KeyedMutex.
type Registry interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Session, error)
	// Tenants returns every tenant that owns at least one session.
	Tenants(ctx context.Context) ([]string, error)
	// UpdateStatus moves the session to status along an edge of the state
	// machine and, when phone is non-nil, sets the phone number.  A
	// transition CanTransition rejects is a validation error.
	UpdateStatus(ctx context.Context, id string, status Status, phone *string) (Session, error)
	Delete(ctx context.Context, id string) error
}

const registryShards = 32

// MemoryRegistry keeps sessions in sharded maps so that unrelated sessions
// never contend on one lock.
type MemoryRegistry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu sync.RWMutex
	m  map[string]Session
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{}
	for i := range r.shards {
		r.shards[i].m = map[string]Session{}
	}
	return r
}

func (r *MemoryRegistry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

func (r *MemoryRegistry) Save(_ context.Context, s Session) error {
	if s.ID == "" || s.TenantID == "" {
		return errs.Validation("session id and tenant id are required")
	}
	sh := r.shard(s.ID)
	sh.mu.Lock()
	sh.m[s.ID] = s.Clone()
	sh.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (Session, error) {
	sh := r.shard(id)
	sh.mu.RLock()
	s, ok := sh.m[id]
	sh.mu.RUnlock()
	if !ok {
		return Session{}, errs.NotFound("session %s not found", id)
	}
	return s.Clone(), nil
}

func (r *MemoryRegistry) ListByTenant(_ context.Context, tenantID string) ([]Session, error) {
	var out []Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			if s.TenantID == tenantID {
				out = append(out, s.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) Tenants(context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			seen[s.TenantID] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRegistry) UpdateStatus(_ context.Context, id string, status Status, phone *string) (Session, error) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.m[id]
	if !ok {
		return Session{}, errs.NotFound("session %s not found", id)
	}
	if err := Transition(s.Status, status); err != nil {
		return Session{}, err
	}
	s.Status = status
	if phone != nil {
		s.PhoneNumber = *phone
	}
	s.UpdatedAt = time.Now().UTC()
	sh.m[id] = s
	return s.Clone(), nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[id]; !ok {
		return errs.NotFound("session %s not found", id)
	}
	delete(sh.m, id)
	return nil
}
