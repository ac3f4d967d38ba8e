// Package broker publishes domain notifications to RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/notify"
)

const (
	dialTimeout    = 5 * time.Second
	publishTimeout = 5 * time.Second
	redialBackoff  = 10 * time.Second
	queueSize      = 1024
)

// ErrUnavailable is returned by Publish while a failed dial is backing off.
var ErrUnavailable = errors.New("amqp publisher unavailable")

// Publisher publishes notifications to a topic exchange.  It maintains a
// single shared connection/channel and redials lazily after a failure,
// at most once per redialBackoff.
//
// Notify hands notifications to a bounded queue drained by one worker
// goroutine, so callers never wait on the broker.  When the queue is full
// the notification is dropped and logged.
type Publisher struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	retryAt time.Time

	qmu    sync.RWMutex
	queue  chan notify.Notification
	done   chan struct{}
	start  sync.Once
	closed bool
}

var _ notify.Notifier = (*Publisher)(nil)

// NewPublisher returns a publisher for exchange.  Nothing is dialed until
// the first publish or an explicit Connect.
func NewPublisher(url, exchange string) *Publisher {
	return &Publisher{
		url:      strings.TrimSpace(url),
		exchange: exchange,
		queue:    make(chan notify.Notification, queueSize),
		done:     make(chan struct{}),
	}
}

// Connect dials eagerly so that configuration errors show up at startup.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensure()
}

// ensure must be called with p.mu held.
func (p *Publisher) ensure() error {
	if p.url == "" {
		return fmt.Errorf("AMQP URL not configured")
	}
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	if time.Now().Before(p.retryAt) {
		return ErrUnavailable
	}
	p.closeLocked()
	if err := p.dial(); err != nil {
		p.retryAt = time.Now().Add(redialBackoff)
		return err
	}
	p.retryAt = time.Time{}
	ilog.Infof("AMQP notification publisher connected: exchange=%s", p.exchange)
	return nil
}

// dial must be called with p.mu held.
func (p *Publisher) dial() error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// RoutingKey is "<kind>.<tenantID>", e.g. "message.stored.acme".
func RoutingKey(n notify.Notification) string {
	tenant := strings.TrimSpace(n.TenantID)
	if tenant == "" {
		tenant = "unknown"
	}
	return string(n.Kind) + "." + tenant
}

func encode(n notify.Notification) ([]byte, error) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	return json.Marshal(n)
}

// Publish sends one notification.
func (p *Publisher) Publish(ctx context.Context, n notify.Notification) error {
	body, err := encode(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensure(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	rk := RoutingKey(n)
	if err := p.ch.PublishWithContext(ctx,
		p.exchange,
		rk,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    n.At,
			Type:         string(n.Kind),
			Body:         body,
		},
	); err != nil {
		p.closeLocked()
		return fmt.Errorf("publish: %w", err)
	}
	ilog.Debugf("amqp notification published rk=%s bytes=%d", rk, len(body))
	return nil
}

// Notify queues n for publishing and returns immediately; a broker outage
// never fails or delays the operation that produced the notification.
func (p *Publisher) Notify(_ context.Context, n notify.Notification) {
	if p == nil || p.url == "" {
		return
	}
	p.start.Do(func() { go p.run() })

	p.qmu.RLock()
	defer p.qmu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- n:
	default:
		ilog.WithSession(n.SessionID).Error("notification dropped kind=%s: publish queue full", n.Kind)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for n := range p.queue {
		if err := p.Publish(context.Background(), n); err != nil {
			ilog.WithSession(n.SessionID).Error("notification publish failed kind=%s: %v", n.Kind, err)
		}
	}
}

// Close stops accepting notifications, publishes what is already queued
// and closes the connection.
func (p *Publisher) Close() error {
	p.qmu.Lock()
	wasClosed := p.closed
	p.closed = true
	if !wasClosed {
		close(p.queue)
	}
	p.qmu.Unlock()

	if !wasClosed {
		// the worker may never have started
		p.start.Do(func() { close(p.done) })
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
