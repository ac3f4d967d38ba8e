// Package events turns provider callbacks into session status changes and
// indexed messages.
package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"your.org/session-hub/internal/errs"
	"your.org/session-hub/internal/provider"
)

// Callback event names.
const (
	EventSessionStatus = "session.status"
	EventMessage       = "message"
	EventMessageAny    = "message.any"
	EventMessageAck    = "message.ack"
)

// Event is one of SessionStatus, Message, MessageAck or Unknown.
type Event interface {
	eventName() string
}

type SessionStatus struct {
	Status  provider.RemoteStatus
	QR      string
	Profile *provider.Profile
}

type Message struct {
	ProviderMessageID string
	From              string
	To                string
	FromMe            bool
	Body              string
	HasMedia          bool
	MediaRef          string
	PushName          string
	Timestamp         time.Time
}

type MessageAck struct {
	ProviderMessageID string
	AckLevel          int
}

// Unknown is any event this service does not handle.  It is logged and
// dropped.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (SessionStatus) eventName() string { return EventSessionStatus }
func (Message) eventName() string       { return EventMessage }
func (MessageAck) eventName() string    { return EventMessageAck }
func (u Unknown) eventName() string     { return u.Name }

// Envelope is a validated callback.
type Envelope struct {
	ID      string
	Event   string
	Session string
	Payload Event
}

type wireEnvelope struct {
	ID      string            `json:"id"`
	Event   string            `json:"event"`
	Session json.RawMessage   `json:"session"`
	Me      *provider.Profile `json:"me"`
	Payload json.RawMessage   `json:"payload"`
}

type wireStatus struct {
	Status string            `json:"status"`
	QR     string            `json:"qr"`
	Me     *provider.Profile `json:"me"`
}

type wireMessage struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	FromMe    bool        `json:"fromMe"`
	Body      string      `json:"body"`
	HasMedia  bool        `json:"hasMedia"`
	MediaURL  string      `json:"mediaUrl"`
	Media     *wireMedia  `json:"media"`
	Timestamp json.Number `json:"timestamp"`
	Notify    string      `json:"notifyName"`
	Data      *wireData   `json:"_data"`
}

type wireMedia struct {
	URL string `json:"url"`
}

type wireData struct {
	NotifyName string `json:"notifyName"`
}

type wireAck struct {
	Ack json.Number `json:"ack"`
}

// ParseEnvelope validates a raw callback body.  Malformed bodies and known
// events with unusable payloads are validation errors; unrecognised event
// names parse into Unknown.
func ParseEnvelope(body []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return Envelope{}, errs.Validation("malformed webhook body: %v", err)
	}
	env := Envelope{
		ID:      w.ID,
		Event:   strings.TrimSpace(w.Event),
		Session: sessionName(w.Session),
	}
	if env.Event == "" {
		return Envelope{}, errs.Validation("webhook without event name")
	}
	var err error
	switch env.Event {
	case EventSessionStatus:
		env.Payload, err = parseStatus(w)
	case EventMessage, EventMessageAny:
		env.Payload, err = parseMessage(w.Payload)
	case EventMessageAck:
		env.Payload, err = parseAck(w.Payload)
	default:
		env.Payload = Unknown{Name: env.Event, Raw: w.Payload}
	}
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// sessionName accepts "session": "name" and "session": {"name": "..."}.
func sessionName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Name)
	}
	return ""
}

func parseStatus(w wireEnvelope) (Event, error) {
	var p wireStatus
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return nil, errs.Validation("malformed session.status payload: %v", err)
	}
	if p.Status == "" {
		return nil, errs.Validation("session.status without status")
	}
	prof := p.Me
	if prof == nil {
		prof = w.Me
	}
	return SessionStatus{
		Status:  provider.RemoteStatus(strings.ToUpper(strings.TrimSpace(p.Status))),
		QR:      p.QR,
		Profile: prof,
	}, nil
}

func parseMessage(raw json.RawMessage) (Event, error) {
	var p wireMessage
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Validation("malformed message payload: %v", err)
	}
	var loose map[string]any
	_ = json.Unmarshal(raw, &loose)
	id := provider.MessageID(loose)
	if id == "" {
		return nil, errs.Validation("message without id")
	}
	m := Message{
		ProviderMessageID: id,
		From:              p.From,
		To:                p.To,
		FromMe:            p.FromMe,
		Body:              p.Body,
		HasMedia:          p.HasMedia,
		MediaRef:          p.MediaURL,
		PushName:          p.Notify,
		Timestamp:         parseTimestamp(p.Timestamp),
	}
	if p.Media != nil && p.Media.URL != "" {
		m.MediaRef = p.Media.URL
	}
	if m.MediaRef != "" {
		m.HasMedia = true
	}
	if m.PushName == "" && p.Data != nil {
		m.PushName = p.Data.NotifyName
	}
	if m.From == "" && !m.FromMe {
		return nil, errs.Validation("inbound message without sender")
	}
	if m.To == "" && m.FromMe {
		return nil, errs.Validation("outbound message without recipient")
	}
	return m, nil
}

func parseAck(raw json.RawMessage) (Event, error) {
	var p wireAck
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Validation("malformed message.ack payload: %v", err)
	}
	var loose map[string]any
	_ = json.Unmarshal(raw, &loose)
	id := provider.MessageID(loose)
	if id == "" {
		return nil, errs.Validation("ack without message id")
	}
	level, err := strconv.Atoi(p.Ack.String())
	if err != nil {
		return nil, errs.Validation("ack level %q is not a number", p.Ack.String())
	}
	return MessageAck{ProviderMessageID: id, AckLevel: level}, nil
}

// parseTimestamp reads unix seconds or milliseconds; anything else means now.
func parseTimestamp(n json.Number) time.Time {
	v, err := n.Int64()
	if err != nil || v <= 0 {
		return time.Now().UTC()
	}
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
