// Package amqpexec hands claimed jobs to RabbitMQ. Each dispatch becomes
// one persistent JSON message naming the job and its database; consumers
// load and run the job themselves.
package amqpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jdziat/foxx-queues/pkg/core"
)

// Topology defaults.
const (
	DefaultExchange   = "queues.jobs"
	DefaultQueue      = "queues.dispatch"
	DefaultRoutingKey = "dispatch"
)

// MessageType identifies dispatch messages.
const MessageType = "job.dispatch"

// Message is the published envelope.
type Message struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Payload   core.Dispatch `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher is the part of *amqp.Channel the executor uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Executor publishes dispatches.
type Executor struct {
	pub        Publisher
	exchange   string
	routingKey string
	logger     *slog.Logger
	now        func() time.Time

	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ core.Executor = (*Executor)(nil)

// Option configures an Executor.
type Option func(*Executor)

// WithExchange sets the exchange. Defaults to DefaultExchange.
func WithExchange(name string) Option {
	return func(e *Executor) {
		e.exchange = name
	}
}

// WithRoutingKey sets the routing key. Defaults to DefaultRoutingKey.
func WithRoutingKey(key string) Option {
	return func(e *Executor) {
		e.routingKey = key
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an executor over an open publisher.
func New(pub Publisher, opts ...Option) *Executor {
	e := &Executor{
		pub:        pub,
		exchange:   DefaultExchange,
		routingKey: DefaultRoutingKey,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dial connects to url, declares the exchange and queue, and returns an
// executor owning the connection.
func Dial(url string, opts ...Option) (*Executor, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpexec: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpexec: open channel: %w", err)
	}

	e := New(ch, opts...)
	e.conn, e.ch = conn, ch

	if err := e.declare(); err != nil {
		e.Close()
		return nil, err
	}
	e.logger.Info("connected to RabbitMQ", "exchange", e.exchange, "routing_key", e.routingKey)
	return e, nil
}

func (e *Executor) declare() error {
	if err := e.ch.ExchangeDeclare(e.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpexec: declare exchange %s: %w", e.exchange, err)
	}
	if _, err := e.ch.QueueDeclare(DefaultQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqpexec: declare queue %s: %w", DefaultQueue, err)
	}
	if err := e.ch.QueueBind(DefaultQueue, e.routingKey, e.exchange, false, nil); err != nil {
		return fmt.Errorf("amqpexec: bind queue %s: %w", DefaultQueue, err)
	}
	return nil
}

// Encode builds the message published for d.
func Encode(d core.Dispatch, now time.Time) (amqp.Publishing, error) {
	msg := Message{
		ID:        uuid.New().String(),
		Type:      MessageType,
		Payload:   d,
		Timestamp: now,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal message: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    now,
		Type:         MessageType,
		Headers: amqp.Table{
			"database": d.Database,
			"queue":    d.Queue,
		},
		Body: body,
	}, nil
}

// Dispatch publishes d. A publish error is returned so the claim is
// released.
func (e *Executor) Dispatch(ctx context.Context, d core.Dispatch) error {
	pub, err := Encode(d, e.now())
	if err != nil {
		return err
	}
	if err := e.pub.PublishWithContext(ctx, e.exchange, e.routingKey, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", e.exchange, e.routingKey, err)
	}
	e.logger.Debug("published dispatch",
		"exchange", e.exchange,
		"routing_key", e.routingKey,
		"message_id", pub.MessageId,
		"database", d.Database,
		"job_id", d.JobID,
	)
	return nil
}

// Close closes the channel and connection opened by Dial.
func (e *Executor) Close() error {
	var firstErr error
	if e.ch != nil {
		if err := e.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
