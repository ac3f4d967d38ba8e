package session

import (
	"fmt"
	"strings"
	"time"

	"your.org/session-hub/internal/errs"
)

// Status is the local connection status of a session.
type Status string

const (
	StatusCreated      Status = "created"
	StatusStarting     Status = "starting"
	StatusAwaitingScan Status = "awaiting_scan"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Statuses lists every local status.
var Statuses = []Status{
	StatusCreated,
	StatusStarting,
	StatusAwaitingScan,
	StatusConnected,
	StatusDisconnected,
	StatusFailed,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type Type string

const (
	TypeOwnNumber   Type = "own_number"
	TypeProvisioned Type = "provisioned"
)

func (t Type) Valid() bool { return t == TypeOwnNumber || t == TypeProvisioned }

// Session is a tenant-owned connection to the provider.  ID doubles as the
// remote session name and is always prefixed with the tenant id.
type Session struct {
	ID           string         `json:"sessionId"`
	TenantID     string         `json:"tenantId"`
	DisplayName  string         `json:"displayName"`
	PhoneNumber  string         `json:"phoneNumber,omitempty"`
	Status       Status         `json:"status"`
	Type         Type           `json:"type"`
	QRCode       string         `json:"-"`
	WebhookURL   string         `json:"webhookUrl"`
	WebhookToken string         `json:"webhookToken"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Metadata     map[string]any `json:"metadata"`
}

// Clone returns a copy that shares no maps with s.
func (s Session) Clone() Session {
	if s.Metadata != nil {
		md := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}

// transitions holds the allowed edges besides "any -> disconnected|failed".
var transitions = map[Status][]Status{
	StatusCreated:      {StatusStarting},
	StatusStarting:     {StatusAwaitingScan, StatusConnected},
	StatusAwaitingScan: {StatusConnected},
	StatusDisconnected: {StatusStarting},
	StatusFailed:       {StatusStarting},
}

// CanTransition reports whether from -> to is an edge of the session state
// machine.  Staying in the same status is always allowed (repeated status
// callbacks are idempotent).  starting -> connected covers sessions that
// resume without a new scan.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to || to == StatusDisconnected || to == StatusFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns a validation error otherwise.
func Transition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return errs.Validation("invalid session transition %s -> %s", from, to)
}

// separator joins the tenant id and the session suffix.  Tenant ids never
// contain it, so the tenant of a session name is everything before the
// first one.
const separator = "_"

// TenantPrefix is the namespace every session name of tenantID starts with.
func TenantPrefix(tenantID string) string {
	return strings.TrimSpace(tenantID) + separator
}

// TenantOf returns the tenant a session name is namespaced for, or "" when
// the name carries no tenant prefix.
func TenantOf(name string) string {
	tenant, suffix, ok := strings.Cut(name, separator)
	if !ok || tenant == "" || suffix == "" {
		return ""
	}
	return tenant
}

// BelongsTo reports whether the session name is namespaced for tenantID.
func BelongsTo(name, tenantID string) bool {
	tenantID = strings.TrimSpace(tenantID)
	return tenantID != "" && TenantOf(name) == tenantID
}

func validName(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-'
}

// ValidateTenantID rejects empty ids and ids that could not be told apart
// from a session name prefix.
func ValidateTenantID(tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return errs.Validation("tenantId is required")
	}
	for _, r := range tenantID {
		if string(r) == separator || !validName(r) {
			return errs.Validation("invalid character %q in tenantId", r)
		}
	}
	return nil
}

// NewID builds the tenant-namespaced session name.
func NewID(tenantID, suffix string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	suffix = strings.TrimSpace(suffix)
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	if suffix == "" {
		return "", errs.Validation("session name is required")
	}
	for _, r := range suffix {
		if !validName(r) {
			return "", errs.Validation("invalid character %q in session name", r)
		}
	}
	return fmt.Sprintf("%s%s", TenantPrefix(tenantID), suffix), nil
}

// Path returns the shortest chain of allowed transitions leading from -> to,
// excluding from itself.  It is empty when from == to and nil when to is
// unreachable.
func Path(from, to Status) []Status {
	if from == to {
		return []Status{}
	}
	prev := map[Status]Status{from: from}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range Statuses {
			if _, seen := prev[next]; seen || !CanTransition(cur, next) {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}
