package amqp

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	ilog "your.org/session-hub/internal/log"
)

// Topology names the exchange, queue and binding outbound send commands
// are consumed from.
type Topology struct {
	URL      string
	Exchange string
	Queue    string
	Binding  string
}

func (t Topology) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		t.Exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if t.Queue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(
		t.Queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(t.Queue, t.Binding, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// InitExchange declares the command exchange and queue.  It is safe to call
// multiple times as declarations are idempotent.
func InitExchange(t Topology) error {
	if t.URL == "" {
		ilog.Infof("AMQP URL is empty; skipping exchange initialization")
		return nil
	}
	conn, err := amqp.Dial(t.URL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	return t.declare(ch)
}
