package contacts

import (
	"context"
	"sync"
	"time"

	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/provider"
)

// ProfileFetcher is the slice of the provider gateway the enricher needs.
type ProfileFetcher interface {
	GetContactProfile(ctx context.Context, session, address string) (provider.ContactProfile, error)
}

const (
	avatarTTL         = 10 * time.Minute
	enrichTimeout     = 10 * time.Second
	maxParallelLookup = 8
)

// Enricher resolves contacts for both inbound and outbound traffic and
// fills in avatars in the background.  Lookups never fail the caller.
type Enricher struct {
	dir     Directory
	fetcher ProfileFetcher
	avatars *ttlCache
	sem     chan struct{}
	wg      sync.WaitGroup
}

func NewEnricher(dir Directory, fetcher ProfileFetcher) *Enricher {
	return &Enricher{
		dir:     dir,
		fetcher: fetcher,
		avatars: newTTLCache(avatarTTL),
		sem:     make(chan struct{}, maxParallelLookup),
	}
}

// Resolve finds or creates the tenant contact for address and schedules an
// avatar refresh.  Errors are logged and yield an empty contact.
func (e *Enricher) Resolve(ctx context.Context, tenantID, sessionID, address, displayName string) Contact {
	if e == nil || e.dir == nil {
		return Contact{}
	}
	c, err := e.dir.FindOrCreate(ctx, tenantID, address, displayName)
	if err != nil {
		ilog.WithSession(sessionID).Error("contact lookup for %s failed: %v", address, err)
		return Contact{}
	}
	e.EnrichAsync(sessionID, c)
	return c
}

// EnrichAsync fetches the contact's provider profile without blocking.  When
// all lookup slots are busy the refresh is skipped.
func (e *Enricher) EnrichAsync(sessionID string, c Contact) {
	if e == nil || e.fetcher == nil || c.ID == "" || c.Avatar != "" {
		return
	}
	select {
	case e.sem <- struct{}{}:
	default:
		ilog.WithSession(sessionID).Debug("avatar lookup skipped for %s: busy", c.Phone)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
		defer cancel()
		e.Enrich(ctx, sessionID, c)
	}()
}

// Enrich fetches the profile synchronously and updates the contact's avatar
// and, if missing, its name.
func (e *Enricher) Enrich(ctx context.Context, sessionID string, c Contact) {
	lg := ilog.WithSession(sessionID)
	key := c.TenantID + "|" + c.Phone
	avatar, cached := e.avatars.get(key)
	var name string
	if !cached {
		prof, err := e.fetcher.GetContactProfile(ctx, sessionID, c.Phone)
		if err != nil {
			lg.Debug("profile lookup for %s failed: %v", c.Phone, err)
			return
		}
		avatar, name = prof.AvatarURL, prof.Name
		if avatar != "" {
			e.avatars.put(key, avatar)
		}
	}
	var p Patch
	if avatar != "" && avatar != c.Avatar {
		p.Avatar = &avatar
	}
	if c.Name == "" && name != "" {
		p.Name = &name
	}
	if p.Avatar == nil && p.Name == nil {
		return
	}
	if _, err := e.dir.Update(ctx, c.ID, p); err != nil {
		lg.Error("contact %s update failed: %v", c.ID, err)
	}
}

// Wait blocks until background lookups finish.
func (e *Enricher) Wait() {
	e.wg.Wait()
}
