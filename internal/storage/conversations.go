package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
)

// Conversations is the SQL conversation and message index.  Message
// deduplication rides on the (conversation_id, provider_message_id)
// unique index.
type Conversations struct{ db *DB }

var _ conversation.Store = (*Conversations)(nil)

func NewConversations(db *DB) *Conversations { return &Conversations{db: db} }

const conversationCols = `id, tenant_id, session_id, counterparty_address, display_name, contact_id,
	last_message_at, unread_count, archived, tags, created_at`

const messageCols = `id, conversation_id, tenant_id, session_id, direction, from_address, to_address,
	kind, content, media_ref, delivery_status, ts, provider_message_id`

func scanConversation(r rowScanner) (conversation.Conversation, error) {
	var (
		c             conversation.Conversation
		last, created int64
		archived      int
		tags          string
	)
	if err := r.Scan(&c.ID, &c.TenantID, &c.SessionID, &c.CounterpartyAddress, &c.DisplayName, &c.ContactID,
		&last, &c.UnreadCount, &archived, &tags, &created); err != nil {
		return conversation.Conversation{}, err
	}
	c.LastMessageAt = fromMillis(last)
	c.CreatedAt = fromMillis(created)
	c.Archived = archived == 1
	c.Tags = []string{}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return conversation.Conversation{}, err
		}
	}
	return c, nil
}

func scanMessage(r rowScanner) (conversation.Message, error) {
	var (
		m                 conversation.Message
		dir, kind, status string
		ts                int64
		pmid              sql.NullString
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.TenantID, &m.SessionID, &dir, &m.FromAddress, &m.ToAddress,
		&kind, &m.Content, &m.MediaRef, &status, &ts, &pmid); err != nil {
		return conversation.Message{}, err
	}
	m.Direction = conversation.Direction(dir)
	m.Kind = conversation.Kind(kind)
	m.DeliveryStatus = conversation.DeliveryStatus(status)
	m.Timestamp = fromMillis(ts)
	m.ProviderMessageID = pmid.String
	return m, nil
}

func (s *Conversations) get(ctx context.Context, q querier, id string) (conversation.Conversation, error) {
	c, err := scanConversation(s.db.queryRow(ctx, q, `SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, errs.NotFound("conversation %s not found", id)
	}
	return c, dbErr(err, "get conversation")
}

func (s *Conversations) UpsertConversation(ctx context.Context, tenantID, sessionID, address string, seed conversation.Seed) (conversation.Conversation, error) {
	if tenantID == "" || sessionID == "" || address == "" {
		return conversation.Conversation{}, errs.Validation("tenant, session and address are required")
	}
	id := conversation.ID(tenantID, sessionID, address)
	now := time.Now().UTC()
	at := seed.At
	if at.IsZero() {
		at = now
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	_, err := s.db.exec(ctx, s.db.sql, `INSERT INTO conversations (`+conversationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, '[]', ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN conversations.display_name = '' THEN excluded.display_name ELSE conversations.display_name END,
			contact_id = CASE WHEN conversations.contact_id = '' THEN excluded.contact_id ELSE conversations.contact_id END`,
		id, tenantID, sessionID, address, seed.DisplayName, seed.ContactID, millis(at), millis(now))
	if err != nil {
		return conversation.Conversation{}, dbErr(err, "upsert conversation")
	}
	return s.get(ctx, s.db.sql, id)
}

func (s *Conversations) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return s.get(ctx, s.db.sql, id)
}

func (s *Conversations) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	inserted := false
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.get(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if msg.ProviderMessageID != "" {
			var n int
			if err := s.db.queryRow(ctx, tx,
				`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND provider_message_id = ?`,
				conversationID, msg.ProviderMessageID).Scan(&n); err != nil {
				return dbErr(err, "check message")
			}
			if n > 0 {
				return nil
			}
		}
		msg = conversation.PrepareMessage(c, msg)
		if _, err := s.db.exec(ctx, tx, `INSERT INTO messages (`+messageCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.TenantID, msg.SessionID, string(msg.Direction), msg.FromAddress,
			msg.ToAddress, string(msg.Kind), msg.Content, msg.MediaRef, string(msg.DeliveryStatus),
			millis(msg.Timestamp), nullString(msg.ProviderMessageID)); err != nil {
			return dbErr(err, "insert message")
		}
		unread := 0
		if msg.Direction == conversation.Inbound {
			unread = 1
		}
		ts := millis(msg.Timestamp)
		if _, err := s.db.exec(ctx, tx, `UPDATE conversations SET
			unread_count = unread_count + ?,
			last_message_at = CASE WHEN last_message_at < ? THEN ? ELSE last_message_at END
			WHERE id = ?`, unread, ts, ts, conversationID); err != nil {
			return dbErr(err, "bump conversation")
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Conversations) HasProviderMessage(ctx context.Context, tenantID, sessionID, pmid string) (bool, error) {
	if pmid == "" {
		return false, nil
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var n int
	err := s.db.queryRow(ctx, s.db.sql,
		`SELECT COUNT(*) FROM messages WHERE tenant_id = ? AND session_id = ? AND provider_message_id = ?`,
		tenantID, sessionID, pmid).Scan(&n)
	return n > 0, dbErr(err, "lookup message")
}

// likePattern escapes LIKE wildcards in a search term.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func (s *Conversations) ListConversations(ctx context.Context, tenantID string, f conversation.Filter) ([]conversation.Conversation, error) {
	var where strings.Builder
	args := []any{tenantID}
	where.WriteString(`tenant_id = ?`)
	if f.SessionID != "" {
		where.WriteString(` AND session_id = ?`)
		args = append(args, f.SessionID)
	}
	if f.Archived != nil {
		where.WriteString(` AND archived = ?`)
		args = append(args, boolInt(*f.Archived))
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		where.WriteString(` AND (LOWER(display_name) LIKE ? ESCAPE '\' OR counterparty_address LIKE ? ESCAPE '\')`)
		args = append(args, likePattern(q), likePattern(q))
	}
	limit, offset := conversation.ClampPage(f.Limit, f.Offset)
	args = append(args, limit, offset)

	ctx, cancel := opCtx(ctx)
	defer cancel()
	rows, err := s.db.query(ctx, s.db.sql, `SELECT `+conversationCols+` FROM conversations WHERE `+where.String()+
		` ORDER BY last_message_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, dbErr(err, "list conversations")
	}
	defer rows.Close()
	out := []conversation.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, dbErr(err, "scan conversation")
		}
		out = append(out, c)
	}
	return out, dbErr(rows.Err(), "list conversations")
}

func (s *Conversations) ListMessages(ctx context.Context, conversationID string, p conversation.Page) ([]conversation.Message, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if _, err := s.get(ctx, s.db.sql, conversationID); err != nil {
		return nil, err
	}
	limit, offset := conversation.ClampPage(p.Limit, p.Offset)
	rows, err := s.db.query(ctx, s.db.sql, `SELECT `+messageCols+` FROM messages WHERE conversation_id = ?
		ORDER BY ts, id LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, dbErr(err, "list messages")
	}
	defer rows.Close()
	out := []conversation.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, dbErr(err, "scan message")
		}
		out = append(out, m)
	}
	return out, dbErr(rows.Err(), "list messages")
}

func (s *Conversations) update(ctx context.Context, id, set string, args ...any) (conversation.Conversation, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	res, err := s.db.exec(ctx, s.db.sql, `UPDATE conversations SET `+set+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return conversation.Conversation{}, dbErr(err, "update conversation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.Conversation{}, errs.NotFound("conversation %s not found", id)
	}
	return s.get(ctx, s.db.sql, id)
}

func (s *Conversations) MarkRead(ctx context.Context, id string) (conversation.Conversation, error) {
	return s.update(ctx, id, `unread_count = 0`)
}

func (s *Conversations) SetArchived(ctx context.Context, id string, archived bool) (conversation.Conversation, error) {
	return s.update(ctx, id, `archived = ?`, boolInt(archived))
}

func (s *Conversations) SetTags(ctx context.Context, id string, tags []string) (conversation.Conversation, error) {
	b, err := json.Marshal(conversation.NormalizeTags(tags))
	if err != nil {
		return conversation.Conversation{}, errs.Internal(err, "encode tags")
	}
	return s.update(ctx, id, `tags = ?`, string(b))
}

func (s *Conversations) ArchiveBySession(ctx context.Context, tenantID, sessionID string) (int, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	res, err := s.db.exec(ctx, s.db.sql,
		`UPDATE conversations SET archived = 1 WHERE tenant_id = ? AND session_id = ? AND archived = 0`, tenantID, sessionID)
	if err != nil {
		return 0, dbErr(err, "archive conversations")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Conversations) UpdateDeliveryStatus(ctx context.Context, tenantID, sessionID, pmid string, status conversation.DeliveryStatus) (conversation.Message, error) {
	pmid = strings.TrimSpace(pmid)
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var out conversation.Message
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(s.db.queryRow(ctx, tx, `SELECT `+messageCols+` FROM messages
			WHERE tenant_id = ? AND session_id = ? AND provider_message_id = ? LIMIT 1`, tenantID, sessionID, pmid))
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("message %s not found", pmid)
		}
		if err != nil {
			return dbErr(err, "get message")
		}
		next := m.DeliveryStatus.Advance(status)
		if next != m.DeliveryStatus {
			if _, err := s.db.exec(ctx, tx, `UPDATE messages SET delivery_status = ? WHERE id = ?`, string(next), m.ID); err != nil {
				return dbErr(err, "update delivery status")
			}
			m.DeliveryStatus = next
		}
		out = m
		return nil
	})
	return out, err
}
