// Package conversation indexes the conversations and messages exchanged by
// tenant sessions.
package conversation

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var deliveryRank = map[DeliveryStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Advance returns the status a message should hold after observing next.
// Progress never moves backwards; failed always applies.
func (d DeliveryStatus) Advance(next DeliveryStatus) DeliveryStatus {
	if next == StatusFailed {
		return StatusFailed
	}
	if deliveryRank[next] > deliveryRank[d] {
		return next
	}
	return d
}

type Conversation struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenantId"`
	SessionID           string    `json:"sessionId"`
	CounterpartyAddress string    `json:"counterpartyAddress"`
	DisplayName         string    `json:"displayName,omitempty"`
	ContactID           string    `json:"contactId,omitempty"`
	LastMessageAt       time.Time `json:"lastMessageAt"`
	UnreadCount         int       `json:"unreadCount"`
	Archived            bool      `json:"archived"`
	Tags                []string  `json:"tags"`
	CreatedAt           time.Time `json:"createdAt"`
}

func (c Conversation) Clone() Conversation {
	c.Tags = append([]string(nil), c.Tags...)
	return c
}

type Message struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversationId"`
	TenantID          string         `json:"tenantId"`
	SessionID         string         `json:"sessionId"`
	Direction         Direction      `json:"direction"`
	FromAddress       string         `json:"fromAddress"`
	ToAddress         string         `json:"toAddress"`
	Kind              Kind           `json:"kind"`
	Content           string         `json:"content"`
	MediaRef          string         `json:"mediaRef,omitempty"`
	DeliveryStatus    DeliveryStatus `json:"deliveryStatus"`
	Timestamp         time.Time      `json:"timestamp"`
	ProviderMessageID string         `json:"providerMessageId"`
}

// Seed fills in a conversation on first sight.  Empty fields never
// overwrite values already stored.
type Seed struct {
	DisplayName string
	ContactID   string
	At          time.Time
}

// Filter narrows ListConversations.  A nil Archived lists both.
type Filter struct {
	Search    string
	Archived  *bool
	SessionID string
	Limit     int
	Offset    int
}

type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ClampPage applies the default and maximum page size.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("session-hub/conversation"))

// ID is the conversation id for a counterparty of a session.  It is a pure
// function of its inputs, so repeated traffic always lands in the same
// conversation.
func ID(tenantID, sessionID, address string) string {
	return uuid.NewSHA1(idNamespace, []byte(tenantID+"|"+sessionID+"|"+address)).String()
}

// NewMessageID returns a locally generated message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NormalizeTags trims, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f Filter) matches(c Conversation) bool {
	if f.SessionID != "" && c.SessionID != f.SessionID {
		return false
	}
	if f.Archived != nil && c.Archived != *f.Archived {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(c.DisplayName), q) &&
			!strings.Contains(c.CounterpartyAddress, q) {
			return false
		}
	}
	return true
}

// sortConversations orders by most recent activity first.
func sortConversations(cs []Conversation) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].LastMessageAt.Equal(cs[j].LastMessageAt) {
			return cs[i].LastMessageAt.After(cs[j].LastMessageAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func paginate[T any](items []T, limit, offset int) []T {
	limit, offset = ClampPage(limit, offset)
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
