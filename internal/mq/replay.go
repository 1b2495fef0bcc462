package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ReplayPublisher parks raw callback payloads on the replay exchange when
// reconciliation fails inside the webhook request. The gateway has already
// been acknowledged at that point; the replay consumer retries the payload.
type ReplayPublisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewReplayPublisher creates a publisher bound to the replay exchange.
func NewReplayPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*ReplayPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &ReplayPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// Enqueue publishes a raw callback payload for later replay.
func (p *ReplayPublisher) Enqueue(ctx context.Context, payload []byte) error {
	err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue callback for replay: %w", err)
	}

	p.logger.Info("callback enqueued for replay", zap.Int("body_size", len(payload)))
	return nil
}

// Close closes the publisher channel
func (p *ReplayPublisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
