// Package webhook issues per-session capability URLs and authenticates
// provider callbacks addressed to them.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"your.org/session-hub/internal/errs"
	ilog "your.org/session-hub/internal/log"
)

// Issued is returned to the caller that registers a session.
type Issued struct {
	Token  string
	URL    string
	Secret string
}

// Resolved identifies the session a callback belongs to.
type Resolved struct {
	Token     string
	SessionID string
	TenantID  string
	Secret    string
	// Legacy is set when the callback was resolved by session name only.
	Legacy bool
}

// TenantLookup finds the owning tenant of a session name; it backs the
// token-less legacy path for sessions that never received a registration.
type TenantLookup func(ctx context.Context, sessionName string) (string, error)

type Router struct {
	store  Store
	lookup TenantLookup
	now    func() time.Time
}

func NewRouter(store Store, lookup TenantLookup) *Router {
	return &Router{store: store, lookup: lookup, now: func() time.Time { return time.Now().UTC() }}
}

const issueAttempts = 3

// Issue creates a new active registration for the session, deactivating any
// previous one, and returns its capability URL.
func (r *Router) Issue(ctx context.Context, sessionID, tenantID, baseURL string) (Issued, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(tenantID) == "" {
		return Issued{}, errs.Validation("session id and tenant id are required")
	}
	secret, err := randomHex(32)
	if err != nil {
		return Issued{}, errs.Internal(err, "generate webhook secret")
	}
	if err := r.store.DeactivateSession(ctx, sessionID); err != nil {
		return Issued{}, err
	}
	for i := 0; i < issueAttempts; i++ {
		token, err := randomToken(32)
		if err != nil {
			return Issued{}, errs.Internal(err, "generate webhook token")
		}
		reg := Registration{
			Token:     token,
			Secret:    secret,
			SessionID: sessionID,
			TenantID:  tenantID,
			Active:    true,
			CreatedAt: r.now(),
		}
		err = r.store.Insert(ctx, reg)
		if errors.Is(err, errs.ErrConflict) {
			continue
		}
		if err != nil {
			return Issued{}, err
		}
		ilog.WithSession(sessionID).Info("webhook registration issued tenant=%s", tenantID)
		return Issued{Token: token, URL: CallbackURL(baseURL, token), Secret: secret}, nil
	}
	return Issued{}, errs.Internal(nil, "could not allocate a unique webhook token")
}

// Resolve maps a token to its session.  Unknown and revoked tokens both
// yield a not-found error.
func (r *Router) Resolve(ctx context.Context, token string) (Resolved, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Resolved{}, errs.NotFound("webhook token not found")
	}
	reg, err := r.store.ByToken(ctx, token)
	if err != nil {
		return Resolved{}, err
	}
	if !reg.Active {
		return Resolved{}, errs.NotFound("webhook token revoked")
	}
	return Resolved{Token: reg.Token, SessionID: reg.SessionID, TenantID: reg.TenantID, Secret: reg.Secret}, nil
}

// ResolveLegacy resolves a callback by the session name embedded in the
// payload.  It prefers the session's active registration (so the secret is
// known) and falls back to the tenant lookup.
func (r *Router) ResolveLegacy(ctx context.Context, sessionName string) (Resolved, error) {
	sessionName = strings.TrimSpace(sessionName)
	if sessionName == "" {
		return Resolved{}, errs.Validation("missing session name")
	}
	reg, err := r.store.ActiveBySession(ctx, sessionName)
	if err == nil {
		return Resolved{Token: reg.Token, SessionID: reg.SessionID, TenantID: reg.TenantID, Secret: reg.Secret, Legacy: true}, nil
	}
	if !errs.IsNotFound(err) {
		return Resolved{}, err
	}
	if r.lookup == nil {
		return Resolved{}, err
	}
	tenantID, err := r.lookup(ctx, sessionName)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{SessionID: sessionName, TenantID: tenantID, Legacy: true}, nil
}

// LookupBySession returns the session's active registration.
func (r *Router) LookupBySession(ctx context.Context, sessionID string) (Registration, error) {
	return r.store.ActiveBySession(ctx, sessionID)
}

// Revoke deactivates the session's registration; later callbacks to its
// token resolve as not found.
func (r *Router) Revoke(ctx context.Context, sessionID string) error {
	return r.store.DeactivateSession(ctx, sessionID)
}

// Touch records that the token was just used.  Failures are logged only.
func (r *Router) Touch(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := r.store.Touch(ctx, token, r.now()); err != nil {
		ilog.Debugf("webhook touch failed: %v", err)
	}
}

// CallbackURL builds the capability URL for token.
func CallbackURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/webhook/" + token
}

// Sign computes the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks a hex HMAC-SHA256 signature (optionally prefixed
// with "sha256=") in constant time.
func ValidateSignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
