package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/webhook"
)

// Webhooks is the SQL webhook registration store.  A partial unique index
// keeps at most one active registration per session.
type Webhooks struct{ db *DB }

var _ webhook.Store = (*Webhooks)(nil)

func NewWebhooks(db *DB) *Webhooks { return &Webhooks{db: db} }

const webhookCols = `token, secret, session_id, tenant_id, active, created_at, last_used_at`

func (w *Webhooks) Insert(ctx context.Context, reg webhook.Registration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return w.db.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := w.db.queryRow(ctx, tx, `SELECT COUNT(*) FROM webhook_registrations WHERE token = ?`, reg.Token).Scan(&n); err != nil {
			return dbErr(err, "check webhook token")
		}
		if n > 0 {
			return errs.Conflict("webhook token already registered")
		}
		if reg.Active {
			if _, err := w.db.exec(ctx, tx,
				`UPDATE webhook_registrations SET active = 0 WHERE session_id = ? AND active = 1`, reg.SessionID); err != nil {
				return dbErr(err, "deactivate webhooks")
			}
		}
		var used any
		if reg.LastUsedAt != nil {
			used = millis(*reg.LastUsedAt)
		}
		_, err := w.db.exec(ctx, tx, `INSERT INTO webhook_registrations (`+webhookCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			reg.Token, reg.Secret, reg.SessionID, reg.TenantID, boolInt(reg.Active), millis(reg.CreatedAt), used)
		return dbErr(err, "insert webhook")
	})
}

func scanRegistration(r rowScanner) (webhook.Registration, error) {
	var (
		reg     webhook.Registration
		active  int
		created int64
		used    sql.NullInt64
	)
	if err := r.Scan(&reg.Token, &reg.Secret, &reg.SessionID, &reg.TenantID, &active, &created, &used); err != nil {
		return webhook.Registration{}, err
	}
	reg.Active = active == 1
	reg.CreatedAt = fromMillis(created)
	if used.Valid {
		t := fromMillis(used.Int64)
		reg.LastUsedAt = &t
	}
	return reg, nil
}

func (w *Webhooks) ByToken(ctx context.Context, token string) (webhook.Registration, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	reg, err := scanRegistration(w.db.queryRow(ctx, w.db.sql,
		`SELECT `+webhookCols+` FROM webhook_registrations WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Registration{}, errs.NotFound("webhook token not found")
	}
	return reg, dbErr(err, "get webhook")
}

func (w *Webhooks) ActiveBySession(ctx context.Context, sessionID string) (webhook.Registration, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	reg, err := scanRegistration(w.db.queryRow(ctx, w.db.sql,
		`SELECT `+webhookCols+` FROM webhook_registrations WHERE session_id = ? AND active = 1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Registration{}, errs.NotFound("no active webhook for session %s", sessionID)
	}
	return reg, dbErr(err, "get active webhook")
}

func (w *Webhooks) DeactivateSession(ctx context.Context, sessionID string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	_, err := w.db.exec(ctx, w.db.sql,
		`UPDATE webhook_registrations SET active = 0 WHERE session_id = ? AND active = 1`, sessionID)
	return dbErr(err, "deactivate webhooks")
}

func (w *Webhooks) Touch(ctx context.Context, token string, at time.Time) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	res, err := w.db.exec(ctx, w.db.sql, `UPDATE webhook_registrations SET last_used_at = ? WHERE token = ?`, millis(at), token)
	if err != nil {
		return dbErr(err, "touch webhook")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("webhook token not found")
	}
	return nil
}
