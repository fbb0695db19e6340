// Package events publishes reconciliation domain events to a RabbitMQ topic
// exchange. Publishing happens after the state change has committed, so a
// failed publish never undoes a match or a reset.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	RoutingKeyDepositMatched     = "deposit.matched"
	RoutingKeyTransactionErrored = "transaction.errored"
	RoutingKeyRotationReset      = "rotation.reset"
)

// Publisher is implemented by the AMQP producer and its no-op fallback.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// New connects to amqpURL and declares the topic exchange. An empty URL
// yields the fallback publisher.
func New(amqpURL, exchange string, logger *slog.Logger) (Publisher, error) {
	if strings.TrimSpace(amqpURL) == "" {
		logger.Warn("AMQP_URL not set, domain events will not be published")
		return &FallbackPublisher{logger: logger}, nil
	}
	return NewAMQPPublisher(amqpURL, exchange, logger)
}

func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("NewAMQPPublisher: %w", err)
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("NewAMQPPublisher: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewAMQPPublisher: channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("NewAMQPPublisher: %w", err)
	}

	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("Publish: marshal: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	// One retry on a fresh channel; a closed channel is the usual cause.
	p.logger.Warn("publish failed, reopening channel", "routing_key", routingKey, "error", err)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("Publish: reopen channel: %w", errors.Join(err, chErr))
	}
	if exErr := declareExchange(ch, p.exchange); exErr != nil {
		ch.Close()
		return fmt.Errorf("Publish: %w", errors.Join(err, exErr))
	}
	p.channel = ch

	if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("Publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// FallbackPublisher drops events. It is used when no broker is configured.
type FallbackPublisher struct {
	logger *slog.Logger
}

func NewFallbackPublisher(logger *slog.Logger) *FallbackPublisher {
	return &FallbackPublisher{logger: logger}
}

func (p *FallbackPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.logger.Debug("event publish skipped", "routing_key", routingKey)
	return nil
}

func (p *FallbackPublisher) Close() {}

func declareExchange(ch *amqp091.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
