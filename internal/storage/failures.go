package storage

import (
	"context"

	"your.org/session-hub/internal/events"
)

// maxFailures bounds the dead-letter table; older rows are pruned on write.
const maxFailures = 10000

// Failures is the SQL dead-letter log for webhook processing failures.
type Failures struct{ db *DB }

var _ events.FailureLog = (*Failures)(nil)

func NewFailures(db *DB) *Failures { return &Failures{db: db} }

func (s *Failures) Record(ctx context.Context, f events.Failure) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if _, err := s.db.exec(ctx, s.db.sql, `INSERT INTO webhook_failures
		(id, at, token, session_id, tenant_id, event, kind, error, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, millis(f.At), f.Token, f.SessionID, f.TenantID, f.Event, f.Kind, f.Error, f.Payload); err != nil {
		return dbErr(err, "record failure")
	}
	prune := `DELETE FROM webhook_failures WHERE id IN (
		SELECT id FROM webhook_failures ORDER BY at DESC, id DESC LIMIT -1 OFFSET ?)`
	if s.db.dialect == dialectPostgres {
		prune = `DELETE FROM webhook_failures WHERE id IN (
		SELECT id FROM webhook_failures ORDER BY at DESC, id DESC OFFSET ?)`
	}
	_, err := s.db.exec(ctx, s.db.sql, prune, maxFailures)
	return dbErr(err, "prune failures")
}

func (s *Failures) List(ctx context.Context, limit int) ([]events.Failure, error) {
	if limit <= 0 || limit > maxFailures {
		limit = maxFailures
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	rows, err := s.db.query(ctx, s.db.sql, `SELECT id, at, token, session_id, tenant_id, event, kind, error, payload
		FROM webhook_failures ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbErr(err, "list failures")
	}
	defer rows.Close()
	out := []events.Failure{}
	for rows.Next() {
		var (
			f  events.Failure
			at int64
		)
		if err := rows.Scan(&f.ID, &at, &f.Token, &f.SessionID, &f.TenantID, &f.Event, &f.Kind, &f.Error, &f.Payload); err != nil {
			return nil, dbErr(err, "scan failure")
		}
		f.At = fromMillis(at)
		out = append(out, f)
	}
	return out, dbErr(rows.Err(), "list failures")
}
