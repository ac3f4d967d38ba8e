package storage

import (
	"context"
	"fmt"
	"strings"

	"your.org/session-hub/internal/contacts"
	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/events"
	"your.org/session-hub/internal/session"
	"your.org/session-hub/internal/webhook"
)

// Stores bundles every persistent collaborator of the hub.
type Stores struct {
	Sessions      session.Registry
	Webhooks      webhook.Store
	Conversations conversation.Store
	Contacts      contacts.Directory
	Failures      events.FailureLog

	// Ping reports backend health; nil for the in-memory backend.
	Ping  func(context.Context) error
	close func() error
}

func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Memory returns process-local stores.
func Memory() *Stores {
	return &Stores{
		Sessions:      session.NewMemoryRegistry(),
		Webhooks:      webhook.NewMemoryStore(),
		Conversations: conversation.NewMemoryStore(),
		Contacts:      contacts.NewMemoryDirectory(),
		Failures:      events.NewMemoryFailureLog(0),
	}
}

// SQL returns stores backed by db.
func SQL(db *DB) *Stores {
	return &Stores{
		Sessions:      NewSessions(db),
		Webhooks:      NewWebhooks(db),
		Conversations: NewConversations(db),
		Contacts:      NewContacts(db),
		Failures:      NewFailures(db),
		Ping:          db.Ping,
		close:         db.Close,
	}
}

// Build opens the backend named by dsn:
//
//	memory://                      process-local maps
//	sqlite:///var/lib/hub.db       SQLite file (sqlite://:memory: for a private db)
//	postgres://user:pw@host/db     Postgres
func Build(ctx context.Context, dsn string) (*Stores, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Memory(), nil
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("store dsn %q has no scheme", dsn)
	}
	switch strings.ToLower(scheme) {
	case "memory", "mem", "inmem":
		return Memory(), nil
	case "sqlite", "sqlite3", "file":
		db, err := OpenSQLite(ctx, rest)
		if err != nil {
			return nil, err
		}
		return SQL(db), nil
	case "postgres", "postgresql":
		db, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return SQL(db), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", scheme)
	}
}
