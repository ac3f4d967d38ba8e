package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"your.org/session-hub/internal/contacts"
	"your.org/session-hub/internal/errs"
)

// Contacts is the SQL contact directory, unique per (tenant, phone).
type Contacts struct{ db *DB }

var _ contacts.Directory = (*Contacts)(nil)

func NewContacts(db *DB) *Contacts { return &Contacts{db: db} }

const contactCols = `id, tenant_id, phone, name, avatar, custom_fields, created_at, updated_at`

func scanContact(r rowScanner) (contacts.Contact, error) {
	var (
		c                contacts.Contact
		fields           string
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.Avatar, &fields, &created, &updated); err != nil {
		return contacts.Contact{}, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	if fields != "" && fields != "{}" && fields != "null" {
		if err := json.Unmarshal([]byte(fields), &c.CustomFields); err != nil {
			return contacts.Contact{}, err
		}
	}
	return c, nil
}

func (s *Contacts) get(ctx context.Context, q querier, id string) (contacts.Contact, error) {
	c, err := scanContact(s.db.queryRow(ctx, q, `SELECT `+contactCols+` FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return contacts.Contact{}, errs.NotFound("contact %s not found", id)
	}
	return c, dbErr(err, "get contact")
}

func (s *Contacts) FindOrCreate(ctx context.Context, tenantID, phone, displayName string) (contacts.Contact, error) {
	phone = strings.TrimSpace(phone)
	if tenantID == "" || phone == "" {
		return contacts.Contact{}, errs.Validation("tenant and phone are required")
	}
	now := millis(time.Now().UTC())
	ctx, cancel := opCtx(ctx)
	defer cancel()
	_, err := s.db.exec(ctx, s.db.sql, `INSERT INTO contacts (`+contactCols+`)
		VALUES (?, ?, ?, ?, '', '{}', ?, ?)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			name = CASE WHEN contacts.name = '' THEN excluded.name ELSE contacts.name END,
			updated_at = CASE WHEN contacts.name = '' AND excluded.name <> '' THEN excluded.updated_at ELSE contacts.updated_at END`,
		uuid.NewString(), tenantID, phone, displayName, now, now)
	if err != nil {
		return contacts.Contact{}, dbErr(err, "upsert contact")
	}
	c, err := scanContact(s.db.queryRow(ctx, s.db.sql,
		`SELECT `+contactCols+` FROM contacts WHERE tenant_id = ? AND phone = ?`, tenantID, phone))
	return c, dbErr(err, "get contact")
}

func (s *Contacts) Get(ctx context.Context, id string) (contacts.Contact, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return s.get(ctx, s.db.sql, id)
}

func (s *Contacts) Update(ctx context.Context, id string, p contacts.Patch) (contacts.Contact, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var out contacts.Contact
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Name != nil {
			c.Name = *p.Name
		}
		if p.Avatar != nil {
			c.Avatar = *p.Avatar
		}
		if len(p.CustomFields) > 0 {
			if c.CustomFields == nil {
				c.CustomFields = map[string]any{}
			}
			for k, v := range p.CustomFields {
				c.CustomFields[k] = v
			}
		}
		fields, err := json.Marshal(c.CustomFields)
		if err != nil {
			return errs.Validation("customFields: %v", err)
		}
		c.UpdatedAt = time.Now().UTC()
		if _, err := s.db.exec(ctx, tx, `UPDATE contacts SET name = ?, avatar = ?, custom_fields = ?, updated_at = ? WHERE id = ?`,
			c.Name, c.Avatar, string(fields), millis(c.UpdatedAt), id); err != nil {
			return dbErr(err, "update contact")
		}
		out = c
		return nil
	})
	return out, err
}
