// Package notify carries domain notifications (session status changes,
// stored messages, delivery updates) from the pipeline to optional sinks
// such as the Redis status mirror and the AMQP publisher.
package notify

import (
	"context"
	"time"
)

type Kind string

const (
	KindSessionStatus Kind = "session.status"
	KindMessageStored Kind = "message.stored"
	KindMessageStatus Kind = "message.status"
)

// Notification is the payload handed to every Notifier.  Fields not
// relevant to Kind are left empty.
type Notification struct {
	Kind              Kind      `json:"kind"`
	TenantID          string    `json:"tenant_id"`
	SessionID         string    `json:"session_id"`
	Status            string    `json:"status,omitempty"`
	PhoneNumber       string    `json:"phone_number,omitempty"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	MessageID         string    `json:"message_id,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Direction         string    `json:"direction,omitempty"`
	At                time.Time `json:"at"`
}

// Notifier receives notifications.  Implementations must not block the
// caller for long; failures are theirs to log.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Multi fans a notification out to every non-nil notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	for _, nt := range m {
		if nt != nil {
			nt.Notify(ctx, n)
		}
	}
}

// Recorder keeps notifications in memory; handy in tests.
type Recorder struct {
	ch chan Notification
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Notification, size)}
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	select {
	case r.ch <- n:
	default:
	}
}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []Notification {
	var out []Notification
	for {
		select {
		case n := <-r.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}
