package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"your.org/session-hub/internal/contacts"
	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/notify"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/webhook"
)

// QRNotAvailable is reported when no pairing QR can be produced in time.
const QRNotAvailable = "QR not yet available"

const defaultQRTimeout = 10 * time.Second

type Options struct {
	PublicBaseURL   string
	DefaultRegion   string
	ArchiveOnDelete bool
	// QRTimeout bounds on-demand QR fetches.  Defaults to 10s.
	QRTimeout time.Duration
}

// Deps are the collaborators of a Service.  Locks must be the same
// KeyedMutex handed to the event processor and reconciliation.
type Deps struct {
	Registry      Registry
	Locks         *KeyedMutex
	Router        *webhook.Router
	Gateway       provider.Gateway
	Conversations conversation.Store
	Contacts      *contacts.Enricher
	Notifier      notify.Notifier
}

// Service is the session management API used by the HTTP layer and the
// command consumer.
type Service struct {
	registry      Registry
	locks         *KeyedMutex
	router        *webhook.Router
	gateway       provider.Gateway
	conversations conversation.Store
	contacts      *contacts.Enricher
	notifier      notify.Notifier
	opts          Options
	now           func() time.Time
}

func NewService(d Deps, opts Options) *Service {
	if d.Locks == nil {
		d.Locks = NewKeyedMutex()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if opts.QRTimeout <= 0 {
		opts.QRTimeout = defaultQRTimeout
	}
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = conversation.DefaultRegion
	}
	return &Service{
		registry:      d.Registry,
		locks:         d.Locks,
		router:        d.Router,
		gateway:       d.Gateway,
		conversations: d.Conversations,
		contacts:      d.Contacts,
		notifier:      d.Notifier,
		opts:          opts,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	TenantID    string         `json:"tenantId"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Type        Type           `json:"type"`
	Metadata    map[string]any `json:"metadata"`
}

// Create registers a new session: it issues the webhook capability, creates
// the remote session pointed at it and stores the record as created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Session, error) {
	id, err := NewID(req.TenantID, req.Name)
	if err != nil {
		return Session{}, err
	}
	if req.Type == "" {
		req.Type = TypeOwnNumber
	}
	if !req.Type.Valid() {
		return Session{}, errs.Validation("invalid session type %q", req.Type)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.registry.Get(ctx, id); err == nil {
		return Session{}, errs.Conflict("session %s already exists", id)
	} else if !errs.IsNotFound(err) {
		return Session{}, err
	}

	iss, err := s.router.Issue(ctx, id, strings.TrimSpace(req.TenantID), s.opts.PublicBaseURL)
	if err != nil {
		return Session{}, err
	}
	hook := provider.WebhookConfig{URL: iss.URL, HMACKey: iss.Secret}
	if _, err := s.gateway.CreateRemoteSession(ctx, id, hook); err != nil {
		if rerr := s.router.Revoke(ctx, id); rerr != nil {
			ilog.WithSession(id).Error("revoke after failed create: %v", rerr)
		}
		return Session{}, err
	}

	now := s.now()
	display := strings.TrimSpace(req.DisplayName)
	if display == "" {
		display = strings.TrimSpace(req.Name)
	}
	sess := Session{
		ID:           id,
		TenantID:     strings.TrimSpace(req.TenantID),
		DisplayName:  display,
		Status:       StatusCreated,
		Type:         req.Type,
		WebhookURL:   iss.URL,
		WebhookToken: iss.Token,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     req.Metadata,
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	if err := s.registry.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	ilog.WithSession(id).Info("session created tenant=%s", sess.TenantID)
	s.notifyStatus(ctx, sess)
	return sess, nil
}

// Start asks the provider to run the session.  Starting an already running
// session is a no-op.
func (s *Service) Start(ctx context.Context, id string) (Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.registry.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !CanTransition(sess.Status, StatusStarting) {
		return sess, nil
	}
	if err := s.startRemote(ctx, &sess); err != nil {
		return Session{}, err
	}
	return s.setStatus(ctx, sess, StatusStarting)
}

// Stop stops the remote session and marks it disconnected.
func (s *Service) Stop(ctx context.Context, id string) (Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.registry.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if err := s.gateway.StopRemoteSession(ctx, id); err != nil {
		if !errors.Is(err, errs.ErrProviderNotFound) {
			return Session{}, err
		}
		ilog.WithSession(id).Info("stop: remote session already gone")
	}
	return s.setStatus(ctx, sess, StatusDisconnected)
}

// Restart stops and starts the remote session, recreating it when the
// provider lost it.
func (s *Service) Restart(ctx context.Context, id string) (Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.registry.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if err := s.gateway.StopRemoteSession(ctx, id); err != nil && !errors.Is(err, errs.ErrProviderNotFound) {
		return Session{}, err
	}
	if sess.Status != StatusDisconnected && !CanTransition(sess.Status, StatusStarting) {
		if sess, err = s.setStatus(ctx, sess, StatusDisconnected); err != nil {
			return Session{}, err
		}
	}
	if err := s.startRemote(ctx, &sess); err != nil {
		return Session{}, err
	}
	return s.setStatus(ctx, sess, StatusStarting)
}

// startRemote starts the remote session.  A session the provider no longer
// knows is recreated with the session's webhook registration first.
func (s *Service) startRemote(ctx context.Context, sess *Session) error {
	err := s.gateway.StartRemoteSession(ctx, sess.ID)
	if !errors.Is(err, errs.ErrProviderNotFound) {
		return err
	}
	ilog.WithSession(sess.ID).Info("remote session missing, recreating")
	if err := s.recreate(ctx, sess); err != nil {
		return err
	}
	return s.gateway.StartRemoteSession(ctx, sess.ID)
}

func (s *Service) recreate(ctx context.Context, sess *Session) error {
	var hook provider.WebhookConfig
	reg, err := s.router.LookupBySession(ctx, sess.ID)
	switch {
	case err == nil:
		hook = provider.WebhookConfig{URL: webhook.CallbackURL(s.opts.PublicBaseURL, reg.Token), HMACKey: reg.Secret}
	case errs.IsNotFound(err):
		iss, err := s.router.Issue(ctx, sess.ID, sess.TenantID, s.opts.PublicBaseURL)
		if err != nil {
			return err
		}
		sess.WebhookURL, sess.WebhookToken = iss.URL, iss.Token
		hook = provider.WebhookConfig{URL: iss.URL, HMACKey: iss.Secret}
	default:
		return err
	}
	_, err = s.gateway.CreateRemoteSession(ctx, sess.ID, hook)
	return err
}

// Delete removes the session everywhere: remote, webhook registration,
// local record and, per policy, its conversations are archived.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	lg := ilog.WithSession(id)
	if err := s.gateway.DeleteRemoteSession(ctx, id); err != nil {
		if !errors.Is(err, errs.ErrProviderNotFound) {
			return err
		}
		lg.Info("delete: remote session already gone")
	}
	if err := s.router.Revoke(ctx, id); err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	if s.opts.ArchiveOnDelete && s.conversations != nil {
		n, err := s.conversations.ArchiveBySession(ctx, sess.TenantID, id)
		if err != nil {
			lg.Error("archive conversations: %v", err)
		} else if n > 0 {
			lg.Info("archived %d conversations", n)
		}
	}
	lg.Info("session deleted")
	s.notifier.Notify(ctx, notify.Notification{
		Kind:      notify.KindSessionStatus,
		TenantID:  sess.TenantID,
		SessionID: id,
		Status:    "deleted",
	})
	return nil
}

func (s *Service) Status(ctx context.Context, id string) (Session, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, tenantID string) ([]Session, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, errs.Validation("tenantId is required")
	}
	return s.registry.ListByTenant(ctx, tenantID)
}

type QRResult struct {
	Success bool   `json:"success"`
	Image   string `json:"image,omitempty"`
	Message string `json:"message,omitempty"`
}

// QRCode returns the stored QR or fetches a fresh one.  Provider timeouts
// and absence degrade to an unsuccessful result rather than an error.
func (s *Service) QRCode(ctx context.Context, id string) (QRResult, error) {
	sess, err := s.registry.Get(ctx, id)
	if err != nil {
		return QRResult{}, err
	}
	if sess.QRCode != "" {
		return QRResult{Success: true, Image: sess.QRCode}, nil
	}
	if sess.Status == StatusConnected {
		return QRResult{Message: "session already connected"}, nil
	}
	qctx, cancel := context.WithTimeout(ctx, s.opts.QRTimeout)
	defer cancel()
	img, ok, err := s.gateway.GetQRCode(qctx, id)
	if err != nil {
		ilog.WithSession(id).Info("qr fetch failed: %v", err)
		return QRResult{Message: QRNotAvailable}, nil
	}
	if !ok {
		return QRResult{Message: QRNotAvailable}, nil
	}
	b64 := img.Base64()

	unlock := s.locks.Lock(id)
	defer unlock()
	if cur, err := s.registry.Get(ctx, id); err == nil && cur.Status != StatusConnected {
		cur.QRCode = b64
		cur.UpdatedAt = s.now()
		if err := s.registry.Save(ctx, cur); err != nil {
			ilog.WithSession(id).Error("store qr: %v", err)
		}
	}
	return QRResult{Success: true, Image: b64}, nil
}

type SendRequest struct {
	SessionID string              `json:"sessionId"`
	To        string              `json:"to"`
	Text      string              `json:"text"`
	Media     *provider.MediaBody `json:"media,omitempty"`
}

type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	MessageID         string `json:"messageId,omitempty"`
	ConversationID    string `json:"conversationId,omitempty"`
}

// SendMessage sends through the provider and records the outbound message.
// The session lock is held across the send so the provider's fromMe echo
// always finds the message already recorded.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	unlock := s.locks.Lock(req.SessionID)
	defer unlock()

	sess, err := s.registry.Get(ctx, req.SessionID)
	if err != nil {
		return SendResult{}, err
	}
	if sess.Status != StatusConnected {
		return SendResult{}, errs.Validation("session not connected")
	}
	if strings.TrimSpace(req.To) == "" {
		return SendResult{}, errs.Validation("recipient is required")
	}
	if strings.TrimSpace(req.Text) == "" && (req.Media == nil || req.Media.URL == "") {
		return SendResult{}, errs.Validation("text or media is required")
	}
	address, err := conversation.NormalizeAddress(req.To, s.opts.DefaultRegion)
	if err != nil {
		return SendResult{}, err
	}

	msg := conversation.Message{
		Direction:      conversation.Outbound,
		FromAddress:    sess.PhoneNumber,
		ToAddress:      address,
		Kind:           conversation.KindText,
		Content:        req.Text,
		DeliveryStatus: conversation.StatusSent,
	}
	if req.Media != nil && req.Media.URL != "" {
		if req.Media.Caption == "" {
			req.Media.Caption = req.Text
		}
		msg.Kind = conversation.KindMedia
		msg.Content = req.Media.Caption
		msg.MediaRef = req.Media.URL
		msg.ProviderMessageID, err = s.gateway.SendMedia(ctx, sess.ID, address, *req.Media)
	} else {
		msg.ProviderMessageID, err = s.gateway.SendText(ctx, sess.ID, address, req.Text)
	}
	if err != nil {
		return SendResult{}, err
	}
	res := SendResult{Success: true, ProviderMessageID: msg.ProviderMessageID}

	lg := ilog.WithSession(sess.ID).WithMessageID(msg.ProviderMessageID)
	if s.conversations == nil {
		return res, nil
	}
	now := s.now()
	c := s.contacts.Resolve(ctx, sess.TenantID, sess.ID, address, "")
	conv, err := s.conversations.UpsertConversation(ctx, sess.TenantID, sess.ID, address,
		conversation.Seed{DisplayName: c.Name, ContactID: c.ID, At: now})
	if err != nil {
		lg.Error("record outbound: %v", err)
		return res, nil
	}
	msg.ID = conversation.NewMessageID()
	msg.Timestamp = now
	if _, err := s.conversations.AppendMessage(ctx, conv.ID, msg); err != nil {
		lg.Error("record outbound: %v", err)
		return res, nil
	}
	res.MessageID, res.ConversationID = msg.ID, conv.ID
	lg.Info("message sent to %s", address)
	s.notifier.Notify(ctx, notify.Notification{
		Kind:              notify.KindMessageStored,
		TenantID:          sess.TenantID,
		SessionID:         sess.ID,
		ConversationID:    conv.ID,
		MessageID:         msg.ID,
		ProviderMessageID: msg.ProviderMessageID,
		Direction:         string(conversation.Outbound),
	})
	return res, nil
}

// setStatus validates and stores a status change.  Must be called with the
// session lock held.
func (s *Service) setStatus(ctx context.Context, sess Session, to Status) (Session, error) {
	if err := Transition(sess.Status, to); err != nil {
		return Session{}, err
	}
	sess.Status = to
	if to != StatusAwaitingScan {
		sess.QRCode = ""
	}
	sess.UpdatedAt = s.now()
	if err := s.registry.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	ilog.WithSession(sess.ID).Info("session status -> %s", to)
	s.notifyStatus(ctx, sess)
	return sess, nil
}

func (s *Service) notifyStatus(ctx context.Context, sess Session) {
	s.notifier.Notify(ctx, notify.Notification{
		Kind:        notify.KindSessionStatus,
		TenantID:    sess.TenantID,
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		PhoneNumber: sess.PhoneNumber,
	})
}
