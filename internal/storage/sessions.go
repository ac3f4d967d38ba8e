package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/session"
)

// Sessions is the SQL session registry.
type Sessions struct{ db *DB }

var _ session.Registry = (*Sessions)(nil)

func NewSessions(db *DB) *Sessions { return &Sessions{db: db} }

const sessionCols = `id, tenant_id, display_name, phone_number, status, type, qr_code,
	webhook_url, webhook_token, metadata, created_at, updated_at`

func (s *Sessions) Save(ctx context.Context, sess session.Session) error {
	if sess.ID == "" || sess.TenantID == "" {
		return errs.Validation("session id and tenant id are required")
	}
	md, err := json.Marshal(sess.Metadata)
	if err != nil {
		return errs.Validation("metadata: %v", err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	_, err = s.db.exec(ctx, s.db.sql, `INSERT INTO sessions (`+sessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			display_name = excluded.display_name,
			phone_number = excluded.phone_number,
			status = excluded.status,
			type = excluded.type,
			qr_code = excluded.qr_code,
			webhook_url = excluded.webhook_url,
			webhook_token = excluded.webhook_token,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		sess.ID, sess.TenantID, sess.DisplayName, sess.PhoneNumber, string(sess.Status), string(sess.Type),
		sess.QRCode, sess.WebhookURL, sess.WebhookToken, string(md), millis(sess.CreatedAt), millis(sess.UpdatedAt))
	return dbErr(err, "save session")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (session.Session, error) {
	var (
		s                session.Session
		status, typ, md  string
		created, updated int64
	)
	if err := r.Scan(&s.ID, &s.TenantID, &s.DisplayName, &s.PhoneNumber, &status, &typ, &s.QRCode,
		&s.WebhookURL, &s.WebhookToken, &md, &created, &updated); err != nil {
		return session.Session{}, err
	}
	s.Status = session.Status(status)
	s.Type = session.Type(typ)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	if md != "" && md != "null" {
		if err := json.Unmarshal([]byte(md), &s.Metadata); err != nil {
			return session.Session{}, err
		}
	}
	return s, nil
}

func (s *Sessions) Get(ctx context.Context, id string) (session.Session, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	sess, err := scanSession(s.db.queryRow(ctx, s.db.sql, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, errs.NotFound("session %s not found", id)
	}
	return sess, dbErr(err, "get session")
}

func (s *Sessions) ListByTenant(ctx context.Context, tenantID string) ([]session.Session, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	rows, err := s.db.query(ctx, s.db.sql, `SELECT `+sessionCols+` FROM sessions WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, dbErr(err, "list sessions")
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, dbErr(err, "scan session")
		}
		out = append(out, sess)
	}
	return out, dbErr(rows.Err(), "list sessions")
}

func (s *Sessions) Tenants(ctx context.Context) ([]string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	rows, err := s.db.query(ctx, s.db.sql, `SELECT DISTINCT tenant_id FROM sessions ORDER BY tenant_id`)
	if err != nil {
		return nil, dbErr(err, "list tenants")
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, dbErr(err, "scan tenant")
		}
		out = append(out, t)
	}
	return out, dbErr(rows.Err(), "list tenants")
}

func (s *Sessions) UpdateStatus(ctx context.Context, id string, status session.Status, phone *string) (session.Session, error) {
	now := millis(time.Now().UTC())
	query, args := `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, []any{string(status), now, id}
	if phone != nil {
		query = `UPDATE sessions SET status = ?, phone_number = ?, updated_at = ? WHERE id = ?`
		args = []any{string(status), *phone, now, id}
	}
	opctx, cancel := opCtx(ctx)
	err := s.db.withTx(opctx, func(tx *sql.Tx) error {
		var cur string
		err := s.db.queryRow(opctx, tx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("session %s not found", id)
		}
		if err != nil {
			return dbErr(err, "read session status")
		}
		if err := session.Transition(session.Status(cur), status); err != nil {
			return err
		}
		if _, err := s.db.exec(opctx, tx, query, args...); err != nil {
			return dbErr(err, "update session status")
		}
		return nil
	})
	cancel()
	if err != nil {
		return session.Session{}, err
	}
	return s.Get(ctx, id)
}

func (s *Sessions) Delete(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	res, err := s.db.exec(ctx, s.db.sql, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return dbErr(err, "delete session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("session %s not found", id)
	}
	return nil
}
