// Package amqp consumes outbound send commands from RabbitMQ and hands
// them to the session service.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"your.org/session-hub/internal/errs"
	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/session"
)

// Command is the wire shape of a send command:
//
//	{"id": "...", "payload": {"session_id": "...", "to": "...", "type": "text",
//	 "text": {"body": "..."}, "media_url": "...", "caption": "..."}}
type Command struct {
	ID      string      `json:"id,omitempty"`
	Payload SendPayload `json:"payload"`
}

type SendPayload struct {
	SessionID string `json:"session_id,omitempty"`
	To        string `json:"to"`
	Type      string `json:"type,omitempty"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Sender is the part of session.Service the consumer drives.
type Sender interface {
	SendMessage(ctx context.Context, req session.SendRequest) (session.SendResult, error)
}

const (
	sendTimeout  = 60 * time.Second
	maxInFlight  = 16
	maxLoggedRaw = 1500
)

type Consumer struct {
	topo   Topology
	sender Sender
	sem    chan struct{}
}

func NewConsumer(t Topology, sender Sender) *Consumer {
	return &Consumer{topo: t, sender: sender, sem: make(chan struct{}, maxInFlight)}
}

func suffixFromRoutingKey(binding, rk string) string {
	prefix := binding
	if i := strings.IndexAny(binding, "*#"); i >= 0 {
		prefix = strings.TrimSuffix(binding[:i], ".")
	}
	if prefix != "" && strings.HasPrefix(rk, prefix+".") {
		return strings.TrimPrefix(rk, prefix+".")
	}
	parts := strings.Split(rk, ".")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return rk
}

// decodeCommand turns a delivery body into a send request.  The session
// comes from the payload, falling back to the routing key suffix.
func decodeCommand(body []byte, binding, routingKey string) (string, session.SendRequest, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return "", session.SendRequest{}, errs.Validation("decode command: %v", err)
	}
	p := cmd.Payload
	req := session.SendRequest{
		SessionID: strings.TrimSpace(p.SessionID),
		To:        strings.TrimSpace(p.To),
	}
	if req.SessionID == "" {
		req.SessionID = suffixFromRoutingKey(binding, routingKey)
	}
	if p.Text != nil {
		req.Text = p.Text.Body
	}
	if url := strings.TrimSpace(p.MediaURL); url != "" {
		req.Media = &provider.MediaBody{URL: url, Caption: p.Caption, MimeType: p.MimeType, FileName: p.Filename}
	} else if req.Text == "" {
		req.Text = p.Caption
	}
	if req.SessionID == "" {
		return cmd.ID, req, errs.Validation("command without session")
	}
	return cmd.ID, req, nil
}

// Start consumes until ctx is cancelled.  Without a URL it just waits.
func (c *Consumer) Start(ctx context.Context) error {
	if c.topo.URL == "" {
		ilog.Infof("AMQP URL is empty; skipping consumer startup")
		<-ctx.Done()
		return nil
	}
	conn, err := amqp.Dial(c.topo.URL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := c.topo.declare(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Qos(maxInFlight, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		c.topo.Queue,
		"",
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to consume from queue: %w", err)
	}

	ilog.Infof("AMQP consumer connected, waiting for commands on %s", c.topo.Binding)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Close(); err != nil {
				ilog.Errorf("failed to close AMQP channel: %v", err)
			}
			if err := conn.Close(); err != nil {
				ilog.Errorf("failed to close AMQP connection: %v", err)
			}
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("AMQP deliveries channel closed")
			}
			c.sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-c.sem }()
				c.handle(ctx, d)
			}(d)
		}
	}
}

// handle acks commands that were sent or can never succeed and requeues
// the ones that failed on a transient provider error.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	requeue := c.process(ctx, d.Body, d.RoutingKey)
	if requeue && !d.Redelivered {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// process returns true when the command should be retried.
func (c *Consumer) process(ctx context.Context, body []byte, routingKey string) bool {
	id, req, err := decodeCommand(body, c.topo.Binding, routingKey)
	if err != nil {
		raw := string(body)
		if len(raw) > maxLoggedRaw {
			raw = raw[:maxLoggedRaw] + "...(truncated)"
		}
		ilog.Errorf("dropping send command rk=%s: %v payload_raw=%s", routingKey, err, raw)
		return false
	}
	lg := ilog.WithSession(req.SessionID).WithMessageID(id)
	lg.Debug("send command decoded to=%q media=%v", req.To, req.Media != nil)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	res, err := c.sender.SendMessage(sendCtx, req)
	if err != nil {
		lg.Error("send command failed to=%q: %v", req.To, err)
		return errs.IsTransient(err)
	}
	lg.Info("send command delivered provider_id=%s", res.ProviderMessageID)
	return false
}
