// Package reconcile repairs divergence between the provider's session list
// and the local session registry.
package reconcile

import (
	"context"
	"sort"
	"strings"
	"time"

	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/events"
	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/notify"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/session"
	"your.org/session-hub/internal/webhook"
)

// Report lists the session names touched by one tenant pass.
type Report struct {
	TenantID string   `json:"tenantId"`
	Created  []string `json:"created"`
	Updated  []string `json:"updated"`
	Skipped  []string `json:"skipped"`
}

type Deps struct {
	Registry session.Registry
	Locks    *session.KeyedMutex
	Router   *webhook.Router
	Gateway  provider.Gateway
	Notifier notify.Notifier
}

type Service struct {
	registry session.Registry
	locks    *session.KeyedMutex
	router   *webhook.Router
	gateway  provider.Gateway
	notifier notify.Notifier
	baseURL  string
	tenants  []string
}

// New builds the reconciler.  extraTenants are always reconciled by
// ReconcileAll, even when no local session of theirs exists yet.
func New(d Deps, baseURL string, extraTenants []string) *Service {
	if d.Locks == nil {
		d.Locks = session.NewKeyedMutex()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	return &Service{
		registry: d.Registry,
		locks:    d.Locks,
		router:   d.Router,
		gateway:  d.Gateway,
		notifier: d.Notifier,
		baseURL:  baseURL,
		tenants:  extraTenants,
	}
}

// Reconcile makes sure every remote session namespaced for tenantID has a
// local record.  The provider wins on status and phone number; a local
// display name is never replaced.
func (s *Service) Reconcile(ctx context.Context, tenantID string) (Report, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := session.ValidateTenantID(tenantID); err != nil {
		return Report{}, err
	}
	remote, err := s.gateway.ListRemoteSessions(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{TenantID: tenantID, Created: []string{}, Updated: []string{}, Skipped: []string{}}
	for _, rs := range remote {
		if !session.BelongsTo(rs.Name, tenantID) {
			continue
		}
		outcome, err := s.reconcileOne(ctx, tenantID, rs)
		if err != nil {
			ilog.WithSession(rs.Name).Error("reconcile failed: %v", err)
			rep.Skipped = append(rep.Skipped, rs.Name)
			continue
		}
		switch outcome {
		case outcomeCreated:
			rep.Created = append(rep.Created, rs.Name)
		case outcomeUpdated:
			rep.Updated = append(rep.Updated, rs.Name)
		default:
			rep.Skipped = append(rep.Skipped, rs.Name)
		}
	}
	ilog.Infof("reconcile tenant=%s created=%d updated=%d skipped=%d",
		tenantID, len(rep.Created), len(rep.Updated), len(rep.Skipped))
	return rep, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
)

func (s *Service) reconcileOne(ctx context.Context, tenantID string, rs provider.RemoteSession) (outcome, error) {
	to, err := events.MapRemoteStatus(rs.Status)
	if err != nil {
		return outcomeUnchanged, err
	}
	unlock := s.locks.Lock(rs.Name)
	defer unlock()

	local, err := s.registry.Get(ctx, rs.Name)
	if errs.IsNotFound(err) {
		return outcomeCreated, s.synthesize(ctx, tenantID, rs, to)
	}
	if err != nil {
		return outcomeUnchanged, err
	}

	if local.TenantID != tenantID {
		return outcomeUnchanged, errs.Conflict("session %s is owned by tenant %s", local.ID, local.TenantID)
	}

	changed := false
	if phone := rs.Profile.PhoneNumber(); phone != "" && phone != local.PhoneNumber {
		local.PhoneNumber = phone
		changed = true
	}
	if local.DisplayName == "" {
		if name := fallbackName(rs); name != "" {
			local.DisplayName = name
			changed = true
		}
	}
	path := session.Path(local.Status, to)
	if path == nil {
		return outcomeUnchanged, errs.Validation("no transition path %s -> %s", local.Status, to)
	}
	if len(path) == 0 {
		if !changed {
			return outcomeUnchanged, nil
		}
		if err := s.save(ctx, local); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeUpdated, nil
	}
	// every intermediate status is stored and announced
	ilog.WithSession(local.ID).Info("reconcile status %s -> %v", local.Status, path)
	for _, st := range path {
		local.Status = st
		if st != session.StatusAwaitingScan {
			local.QRCode = ""
		}
		if err := s.save(ctx, local); err != nil {
			return outcomeUnchanged, err
		}
	}
	return outcomeUpdated, nil
}

func (s *Service) save(ctx context.Context, sess session.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	if err := s.registry.Save(ctx, sess); err != nil {
		return err
	}
	s.notify(ctx, sess)
	return nil
}

func (s *Service) synthesize(ctx context.Context, tenantID string, rs provider.RemoteSession, st session.Status) error {
	var hook provider.WebhookConfig
	var token string
	reg, err := s.router.LookupBySession(ctx, rs.Name)
	switch {
	case err == nil:
		if reg.TenantID != tenantID {
			return errs.Conflict("webhook of session %s is owned by tenant %s", rs.Name, reg.TenantID)
		}
		hook = provider.WebhookConfig{URL: webhook.CallbackURL(s.baseURL, reg.Token), HMACKey: reg.Secret}
		token = reg.Token
	case errs.IsNotFound(err):
		iss, err := s.router.Issue(ctx, rs.Name, tenantID, s.baseURL)
		if err != nil {
			return err
		}
		hook = provider.WebhookConfig{URL: iss.URL, HMACKey: iss.Secret}
		token = iss.Token
		ilog.WithSession(rs.Name).Info("issued webhook registration for reconciled session")
	default:
		return err
	}
	// point the remote at the current registration
	if err := s.gateway.UpdateRemoteWebhook(ctx, rs.Name, hook); err != nil {
		return err
	}
	now := time.Now().UTC()
	sess := session.Session{
		ID:           rs.Name,
		TenantID:     tenantID,
		DisplayName:  fallbackName(rs),
		PhoneNumber:  rs.Profile.PhoneNumber(),
		Status:       st,
		Type:         session.TypeOwnNumber,
		WebhookURL:   hook.URL,
		WebhookToken: token,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     map[string]any{"reconciled": true},
	}
	if err := s.registry.Save(ctx, sess); err != nil {
		return err
	}
	ilog.WithSession(rs.Name).Info("reconciled missing session status=%s", st)
	s.notify(ctx, sess)
	return nil
}

// fallbackName derives a display name from the remote profile, then the
// phone number, then the session suffix.
func fallbackName(rs provider.RemoteSession) string {
	if rs.Profile != nil && strings.TrimSpace(rs.Profile.PushName) != "" {
		return strings.TrimSpace(rs.Profile.PushName)
	}
	if phone := rs.Profile.PhoneNumber(); phone != "" {
		return phone
	}
	if i := strings.LastIndex(rs.Name, "_"); i >= 0 {
		return rs.Name[i+1:]
	}
	return rs.Name
}

func (s *Service) notify(ctx context.Context, sess session.Session) {
	s.notifier.Notify(ctx, notify.Notification{
		Kind:        notify.KindSessionStatus,
		TenantID:    sess.TenantID,
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		PhoneNumber: sess.PhoneNumber,
	})
}

// ReconcileAll runs Reconcile for every tenant owning a local session plus
// the configured extra tenants.  One failing tenant does not stop the rest.
func (s *Service) ReconcileAll(ctx context.Context) ([]Report, error) {
	known, err := s.registry.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	for _, t := range append(known, s.tenants...) {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	tenants := make([]string, 0, len(set))
	for t := range set {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	var reports []Report
	var firstErr error
	for _, t := range tenants {
		rep, err := s.Reconcile(ctx, t)
		if err != nil {
			ilog.Errorf("reconcile tenant=%s: %v", t, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reports = append(reports, rep)
	}
	return reports, firstErr
}
