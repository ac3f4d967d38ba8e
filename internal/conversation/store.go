package conversation

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"your.org/session-hub/internal/errs"
)

// Store is the tenant-scoped conversation and message index.
type Store interface {
	// UpsertConversation returns the conversation for the counterparty,
	// creating it from seed on first sight.
	UpsertConversation(ctx context.Context, tenantID, sessionID, address string, seed Seed) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// AppendMessage stores msg in the conversation.  inserted is false when
	// the conversation already holds msg.ProviderMessageID.  An inserted
	// inbound message bumps the unread count; every insert moves
	// lastMessageAt forward, never backwards.
	AppendMessage(ctx context.Context, conversationID string, msg Message) (inserted bool, err error)
	// HasProviderMessage reports whether any conversation of the session
	// already recorded the provider message id.
	HasProviderMessage(ctx context.Context, tenantID, sessionID, providerMessageID string) (bool, error)
	ListConversations(ctx context.Context, tenantID string, f Filter) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string, p Page) ([]Message, error)
	MarkRead(ctx context.Context, conversationID string) (Conversation, error)
	UpdateDeliveryStatus(ctx context.Context, tenantID, sessionID, providerMessageID string, status DeliveryStatus) (Message, error)
	ArchiveBySession(ctx context.Context, tenantID, sessionID string) (int, error)
	SetArchived(ctx context.Context, conversationID string, archived bool) (Conversation, error)
	SetTags(ctx context.Context, conversationID string, tags []string) (Conversation, error)
}

const storeShards = 32

type record struct {
	conv  Conversation
	msgs  []Message
	pmids map[string]int
}

type storeShard struct {
	mu sync.RWMutex
	m  map[string]*record
}

// MemoryStore keeps conversations in shards keyed by conversation id.  The
// tenant, session and provider-message-id indices are derived from the
// shards and Reindex rebuilds them.
//
// Lock order: shard before index.
type MemoryStore struct {
	shards [storeShards]storeShard

	idx       sync.RWMutex
	byTenant  map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
	byPMID    map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].m = map[string]*record{}
	}
	s.resetIndex()
	return s
}

func (s *MemoryStore) resetIndex() {
	s.byTenant = map[string]map[string]struct{}{}
	s.bySession = map[string]map[string]struct{}{}
	s.byPMID = map[string]string{}
}

func (s *MemoryStore) shard(id string) *storeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%storeShards]
}

func sessionKey(tenantID, sessionID string) string { return tenantID + "|" + sessionID }

func pmidKey(tenantID, sessionID, pmid string) string {
	return tenantID + "|" + sessionID + "|" + pmid
}

// indexConversation must be called with s.idx held.
func (s *MemoryStore) indexConversation(c Conversation) {
	add := func(m map[string]map[string]struct{}, k string) {
		set, ok := m[k]
		if !ok {
			set = map[string]struct{}{}
			m[k] = set
		}
		set[c.ID] = struct{}{}
	}
	add(s.byTenant, c.TenantID)
	add(s.bySession, sessionKey(c.TenantID, c.SessionID))
}

// Reindex rebuilds every derived index from the primary shards.
func (s *MemoryStore) Reindex() {
	s.idx.Lock()
	s.resetIndex()
	s.idx.Unlock()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		s.idx.Lock()
		for _, rec := range sh.m {
			s.indexConversation(rec.conv)
			for _, m := range rec.msgs {
				if m.ProviderMessageID != "" {
					s.byPMID[pmidKey(m.TenantID, m.SessionID, m.ProviderMessageID)] = rec.conv.ID
				}
			}
		}
		s.idx.Unlock()
		sh.mu.RUnlock()
	}
}

func (s *MemoryStore) UpsertConversation(_ context.Context, tenantID, sessionID, address string, seed Seed) (Conversation, error) {
	if tenantID == "" || sessionID == "" || address == "" {
		return Conversation{}, errs.Validation("tenant, session and address are required")
	}
	id := ID(tenantID, sessionID, address)
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok := sh.m[id]; ok {
		if rec.conv.DisplayName == "" && seed.DisplayName != "" {
			rec.conv.DisplayName = seed.DisplayName
		}
		if rec.conv.ContactID == "" && seed.ContactID != "" {
			rec.conv.ContactID = seed.ContactID
		}
		return rec.conv.Clone(), nil
	}
	at := seed.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c := Conversation{
		ID:                  id,
		TenantID:            tenantID,
		SessionID:           sessionID,
		CounterpartyAddress: address,
		DisplayName:         seed.DisplayName,
		ContactID:           seed.ContactID,
		LastMessageAt:       at,
		Tags:                []string{},
		CreatedAt:           time.Now().UTC(),
	}
	sh.m[id] = &record{conv: c, pmids: map[string]int{}}
	s.idx.Lock()
	s.indexConversation(c)
	s.idx.Unlock()
	return c.Clone(), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.m[id]
	if !ok {
		return Conversation{}, errs.NotFound("conversation %s not found", id)
	}
	return rec.conv.Clone(), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, msg Message) (bool, error) {
	sh := s.shard(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.m[conversationID]
	if !ok {
		return false, errs.NotFound("conversation %s not found", conversationID)
	}
	if msg.ProviderMessageID != "" {
		if _, dup := rec.pmids[msg.ProviderMessageID]; dup {
			return false, nil
		}
	}
	msg = PrepareMessage(rec.conv, msg)
	rec.msgs = append(rec.msgs, msg)
	if msg.ProviderMessageID != "" {
		rec.pmids[msg.ProviderMessageID] = len(rec.msgs) - 1
		s.idx.Lock()
		s.byPMID[pmidKey(msg.TenantID, msg.SessionID, msg.ProviderMessageID)] = conversationID
		s.idx.Unlock()
	}
	if msg.Direction == Inbound {
		rec.conv.UnreadCount++
	}
	if msg.Timestamp.After(rec.conv.LastMessageAt) {
		rec.conv.LastMessageAt = msg.Timestamp
	}
	return true, nil
}

// PrepareMessage binds msg to c and fills the defaults every stored
// message carries.
func PrepareMessage(c Conversation, msg Message) Message {
	msg.ConversationID = c.ID
	msg.TenantID = c.TenantID
	msg.SessionID = c.SessionID
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	if msg.DeliveryStatus == "" {
		if msg.Direction == Inbound {
			msg.DeliveryStatus = StatusDelivered
		} else {
			msg.DeliveryStatus = StatusSent
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

func (s *MemoryStore) HasProviderMessage(_ context.Context, tenantID, sessionID, pmid string) (bool, error) {
	if pmid == "" {
		return false, nil
	}
	s.idx.RLock()
	_, ok := s.byPMID[pmidKey(tenantID, sessionID, pmid)]
	s.idx.RUnlock()
	return ok, nil
}

func (s *MemoryStore) idsFor(m map[string]map[string]struct{}, key string) []string {
	s.idx.RLock()
	defer s.idx.RUnlock()
	set := m[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) ListConversations(_ context.Context, tenantID string, f Filter) ([]Conversation, error) {
	var ids []string
	if f.SessionID != "" {
		ids = s.idsFor(s.bySession, sessionKey(tenantID, f.SessionID))
	} else {
		ids = s.idsFor(s.byTenant, tenantID)
	}
	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		sh := s.shard(id)
		sh.mu.RLock()
		rec, ok := sh.m[id]
		if ok && rec.conv.TenantID == tenantID && f.matches(rec.conv) {
			out = append(out, rec.conv.Clone())
		}
		sh.mu.RUnlock()
	}
	sortConversations(out)
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, p Page) ([]Message, error) {
	sh := s.shard(conversationID)
	sh.mu.RLock()
	rec, ok := sh.m[conversationID]
	if !ok {
		sh.mu.RUnlock()
		return nil, errs.NotFound("conversation %s not found", conversationID)
	}
	msgs := append([]Message(nil), rec.msgs...)
	sh.mu.RUnlock()
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return paginate(msgs, p.Limit, p.Offset), nil
}

func (s *MemoryStore) mutate(id string, fn func(*record)) (Conversation, error) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.m[id]
	if !ok {
		return Conversation{}, errs.NotFound("conversation %s not found", id)
	}
	fn(rec)
	return rec.conv.Clone(), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id string) (Conversation, error) {
	return s.mutate(id, func(r *record) { r.conv.UnreadCount = 0 })
}

func (s *MemoryStore) SetArchived(_ context.Context, id string, archived bool) (Conversation, error) {
	return s.mutate(id, func(r *record) { r.conv.Archived = archived })
}

func (s *MemoryStore) SetTags(_ context.Context, id string, tags []string) (Conversation, error) {
	tags = NormalizeTags(tags)
	return s.mutate(id, func(r *record) { r.conv.Tags = tags })
}

func (s *MemoryStore) ArchiveBySession(_ context.Context, tenantID, sessionID string) (int, error) {
	n := 0
	for _, id := range s.idsFor(s.bySession, sessionKey(tenantID, sessionID)) {
		_, err := s.mutate(id, func(r *record) {
			if !r.conv.Archived {
				r.conv.Archived = true
				n++
			}
		})
		if err != nil && !errs.IsNotFound(err) {
			return n, err
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateDeliveryStatus(_ context.Context, tenantID, sessionID, pmid string, status DeliveryStatus) (Message, error) {
	pmid = strings.TrimSpace(pmid)
	s.idx.RLock()
	convID, ok := s.byPMID[pmidKey(tenantID, sessionID, pmid)]
	s.idx.RUnlock()
	if !ok {
		return Message{}, errs.NotFound("message %s not found", pmid)
	}
	sh := s.shard(convID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.m[convID]
	if !ok {
		return Message{}, errs.NotFound("conversation %s not found", convID)
	}
	i, ok := rec.pmids[pmid]
	if !ok {
		return Message{}, errs.NotFound("message %s not found", pmid)
	}
	rec.msgs[i].DeliveryStatus = rec.msgs[i].DeliveryStatus.Advance(status)
	return rec.msgs[i], nil
}
