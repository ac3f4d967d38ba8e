package events

import (
	"context"
	"strings"
	"time"

	"your.org/session-hub/internal/contacts"
	"your.org/session-hub/internal/conversation"
	"your.org/session-hub/internal/errs"
	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/notify"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/session"
	"your.org/session-hub/internal/webhook"
)

// Action describes what a handled callback did.
type Action string

const (
	ActionStatusUpdated Action = "status_updated"
	ActionMessageStored Action = "message_stored"
	ActionDuplicate     Action = "duplicate"
	ActionAckUpdated    Action = "ack_updated"
	ActionSkipped       Action = "skipped"
	ActionIgnored       Action = "ignored"
)

type Result struct {
	SessionID string
	TenantID  string
	Event     string
	Action    Action
}

// Delivery is one raw callback as received over HTTP.  Token is empty for
// the legacy path.
type Delivery struct {
	Token     string
	Body      []byte
	Signature string
}

type Options struct {
	DefaultRegion    string
	RequireSignature bool
	AllowLegacy      bool
	// QRTimeout bounds the QR fetch made on entering awaiting_scan.
	QRTimeout time.Duration
}

type Deps struct {
	Registry      session.Registry
	Locks         *session.KeyedMutex
	Router        *webhook.Router
	Gateway       provider.Gateway
	Conversations conversation.Store
	Contacts      *contacts.Enricher
	Notifier      notify.Notifier
}

// Processor interprets callbacks.  Work for one session runs under that
// session's lock; different sessions proceed in parallel.
type Processor struct {
	registry      session.Registry
	locks         *session.KeyedMutex
	router        *webhook.Router
	gateway       provider.Gateway
	conversations conversation.Store
	contacts      *contacts.Enricher
	notifier      notify.Notifier
	opts          Options
}

func NewProcessor(d Deps, opts Options) *Processor {
	if d.Locks == nil {
		d.Locks = session.NewKeyedMutex()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if opts.QRTimeout <= 0 {
		opts.QRTimeout = 10 * time.Second
	}
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = conversation.DefaultRegion
	}
	return &Processor{
		registry:      d.Registry,
		locks:         d.Locks,
		router:        d.Router,
		gateway:       d.Gateway,
		conversations: d.Conversations,
		contacts:      d.Contacts,
		notifier:      d.Notifier,
		opts:          opts,
	}
}

// Ingest authenticates a token-addressed callback and handles it.  An
// unknown or revoked token is a not-found error and nothing is touched.
func (p *Processor) Ingest(ctx context.Context, d Delivery) (Result, error) {
	res, err := p.router.Resolve(ctx, d.Token)
	if err != nil {
		return Result{}, err
	}
	out := Result{SessionID: res.SessionID, TenantID: res.TenantID}
	if err := p.checkSignature(d, res); err != nil {
		return out, err
	}
	env, err := ParseEnvelope(d.Body)
	if err != nil {
		return out, err
	}
	out.Event = env.Event
	if env.Session != "" && env.Session != res.SessionID {
		return out, errs.Validation("callback for %s delivered to the webhook of %s", env.Session, res.SessionID)
	}
	p.router.Touch(ctx, res.Token)
	return p.Handle(ctx, res, env)
}

// IngestLegacy handles a callback without a token, resolving the session
// from the session name inside the body.
func (p *Processor) IngestLegacy(ctx context.Context, d Delivery) (Result, error) {
	if !p.opts.AllowLegacy {
		return Result{}, errs.Validation("legacy webhook disabled")
	}
	env, err := ParseEnvelope(d.Body)
	if err != nil {
		return Result{}, err
	}
	out := Result{SessionID: env.Session, Event: env.Event}
	res, err := p.router.ResolveLegacy(ctx, env.Session)
	if err != nil {
		return out, err
	}
	out.TenantID = res.TenantID
	if err := p.checkSignature(d, res); err != nil {
		return out, err
	}
	return p.Handle(ctx, res, env)
}

func (p *Processor) checkSignature(d Delivery, res webhook.Resolved) error {
	if d.Signature == "" {
		if p.opts.RequireSignature {
			return errs.Validation("missing webhook signature")
		}
		return nil
	}
	if res.Secret == "" {
		// legacy sessions without a registration have no key to check against
		if p.opts.RequireSignature {
			return errs.Validation("no signing key for session %s", res.SessionID)
		}
		return nil
	}
	if !webhook.ValidateSignature(d.Body, d.Signature, res.Secret) {
		return errs.Validation("invalid webhook signature")
	}
	return nil
}

// Handle applies a parsed callback to the resolved session.
func (p *Processor) Handle(ctx context.Context, res webhook.Resolved, env Envelope) (Result, error) {
	out := Result{SessionID: res.SessionID, TenantID: res.TenantID, Event: env.Event}
	if u, ok := env.Payload.(Unknown); ok {
		ilog.WithSession(res.SessionID).Debug("ignoring event %q", u.Name)
		out.Action = ActionIgnored
		return out, nil
	}

	unlock := p.locks.Lock(res.SessionID)
	defer unlock()

	sess, err := p.registry.Get(ctx, res.SessionID)
	if err != nil {
		return out, err
	}
	if sess.TenantID != res.TenantID {
		return out, errs.Validation("session %s does not belong to tenant %s", sess.ID, res.TenantID)
	}

	switch ev := env.Payload.(type) {
	case SessionStatus:
		out.Action, err = p.handleStatus(ctx, sess, ev)
	case Message:
		out.Action, err = p.handleMessage(ctx, sess, ev)
	case MessageAck:
		out.Action, err = p.handleAck(ctx, sess, ev)
	default:
		err = errs.Internal(nil, "unhandled event type")
	}
	return out, err
}

func (p *Processor) handleStatus(ctx context.Context, sess session.Session, ev SessionStatus) (Action, error) {
	lg := ilog.WithSession(sess.ID)
	to, err := MapRemoteStatus(ev.Status)
	if err != nil {
		return "", err
	}
	if err := session.Transition(sess.Status, to); err != nil {
		lg.Error("rejected status callback: %v", err)
		return "", err
	}

	sess.Status = to
	switch to {
	case session.StatusAwaitingScan:
		if img, ok := provider.QRFromInline(ev.QR); ok {
			sess.QRCode = img.Base64()
		} else {
			sess.QRCode = p.fetchQR(ctx, sess.ID)
		}
	case session.StatusConnected:
		sess.QRCode = ""
		if phone := ev.Profile.PhoneNumber(); phone != "" {
			sess.PhoneNumber = phone
		}
	default:
		sess.QRCode = ""
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := p.registry.Save(ctx, sess); err != nil {
		return "", err
	}
	lg.Info("status %s -> %s", ev.Status, to)
	p.notifier.Notify(ctx, notify.Notification{
		Kind:        notify.KindSessionStatus,
		TenantID:    sess.TenantID,
		SessionID:   sess.ID,
		Status:      string(to),
		PhoneNumber: sess.PhoneNumber,
	})
	return ActionStatusUpdated, nil
}

// fetchQR asks the provider for the current QR.  Failures leave the session
// without a QR; it can be fetched again on demand.
func (p *Processor) fetchQR(ctx context.Context, id string) string {
	qctx, cancel := context.WithTimeout(ctx, p.opts.QRTimeout)
	defer cancel()
	img, ok, err := p.gateway.GetQRCode(qctx, id)
	if err != nil {
		ilog.WithSession(id).Info("qr fetch failed: %v", err)
		return ""
	}
	if !ok {
		return ""
	}
	return img.Base64()
}

func (p *Processor) handleMessage(ctx context.Context, sess session.Session, ev Message) (Action, error) {
	lg := ilog.WithSession(sess.ID).WithMessageID(ev.ProviderMessageID)
	if ev.FromMe {
		seen, err := p.conversations.HasProviderMessage(ctx, sess.TenantID, sess.ID, ev.ProviderMessageID)
		if err != nil {
			return "", err
		}
		if seen {
			lg.Debug("outbound echo already recorded")
			return ActionSkipped, nil
		}
	}

	raw, dir := ev.From, conversation.Inbound
	if ev.FromMe {
		raw, dir = ev.To, conversation.Outbound
	}
	if conversation.IsBroadcast(raw) {
		lg.Debug("ignoring broadcast message from %s", raw)
		return ActionIgnored, nil
	}
	address, err := conversation.NormalizeAddress(raw, p.opts.DefaultRegion)
	if err != nil {
		return "", err
	}

	pushName := ""
	if dir == conversation.Inbound {
		pushName = strings.TrimSpace(ev.PushName)
	}
	c := p.contacts.Resolve(ctx, sess.TenantID, sess.ID, address, pushName)
	display := pushName
	if display == "" {
		display = c.Name
	}
	conv, err := p.conversations.UpsertConversation(ctx, sess.TenantID, sess.ID, address,
		conversation.Seed{DisplayName: display, ContactID: c.ID, At: ev.Timestamp})
	if err != nil {
		return "", err
	}

	msg := conversation.Message{
		Direction:         dir,
		Kind:              conversation.KindText,
		Content:           ev.Body,
		MediaRef:          ev.MediaRef,
		Timestamp:         ev.Timestamp,
		ProviderMessageID: ev.ProviderMessageID,
	}
	if ev.HasMedia {
		msg.Kind = conversation.KindMedia
	}
	if dir == conversation.Inbound {
		msg.FromAddress, msg.ToAddress = address, sess.PhoneNumber
		msg.DeliveryStatus = conversation.StatusDelivered
	} else {
		msg.FromAddress, msg.ToAddress = sess.PhoneNumber, address
		msg.DeliveryStatus = conversation.StatusSent
	}
	msg.ID = conversation.NewMessageID()
	inserted, err := p.conversations.AppendMessage(ctx, conv.ID, msg)
	if err != nil {
		return "", err
	}
	if !inserted {
		lg.Debug("duplicate message ignored")
		return ActionDuplicate, nil
	}
	lg.Info("%s message stored conversation=%s", dir, conv.ID)
	p.notifier.Notify(ctx, notify.Notification{
		Kind:              notify.KindMessageStored,
		TenantID:          sess.TenantID,
		SessionID:         sess.ID,
		ConversationID:    conv.ID,
		MessageID:         msg.ID,
		ProviderMessageID: msg.ProviderMessageID,
		Direction:         string(dir),
	})
	return ActionMessageStored, nil
}

func (p *Processor) handleAck(ctx context.Context, sess session.Session, ev MessageAck) (Action, error) {
	st, err := AckStatus(ev.AckLevel)
	if err != nil {
		return "", err
	}
	msg, err := p.conversations.UpdateDeliveryStatus(ctx, sess.TenantID, sess.ID, ev.ProviderMessageID, st)
	if errs.IsNotFound(err) {
		ilog.WithSession(sess.ID).WithMessageID(ev.ProviderMessageID).Debug("ack for unknown message")
		return ActionIgnored, nil
	}
	if err != nil {
		return "", err
	}
	p.notifier.Notify(ctx, notify.Notification{
		Kind:              notify.KindMessageStatus,
		TenantID:          sess.TenantID,
		SessionID:         sess.ID,
		ConversationID:    msg.ConversationID,
		MessageID:         msg.ID,
		ProviderMessageID: msg.ProviderMessageID,
		Status:            string(msg.DeliveryStatus),
		Direction:         string(msg.Direction),
	})
	return ActionAckUpdated, nil
}
