package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher publishes billing events to the events exchange.
type Publisher struct {
	conn           *Connection
	channel        *amqp.Channel
	exchange       string
	settlementKey  string
	consumptionKey string
	logger         *zap.Logger
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Connection     *Connection
	Exchange       string
	SettlementKey  string
	ConsumptionKey string
	Logger         *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
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

	return &Publisher{
		conn:           cfg.Connection,
		channel:        ch,
		exchange:       cfg.Exchange,
		settlementKey:  cfg.SettlementKey,
		consumptionKey: cfg.ConsumptionKey,
		logger:         cfg.Logger,
	}, nil
}

// SettlementEvent is published after a transaction reaches a final status.
type SettlementEvent struct {
	TransactionID string  `json:"transaction_id"`
	UserID        string  `json:"user_id"`
	MeterNumber   string  `json:"meter_number"`
	Amount        float64 `json:"amount"`
	Units         float64 `json:"units"`
	Status        string  `json:"status"`
	ReceiptNumber string  `json:"receipt_number,omitempty"`
	SettledAt     string  `json:"settled_at"`
}

// ConsumptionEvent is published after a drain is recorded against a balance.
type ConsumptionEvent struct {
	UserID        string  `json:"user_id"`
	MeterNumber   string  `json:"meter_number"`
	UnitsConsumed float64 `json:"units_consumed"`
	UnitsAfter    float64 `json:"units_after"`
	Kind          string  `json:"kind"`
	RecordedAt    string  `json:"recorded_at"`
}

// PublishSettlementEvent publishes a settlement event
func (p *Publisher) PublishSettlementEvent(ctx context.Context, event SettlementEvent) error {
	if err := p.publish(ctx, p.settlementKey, event); err != nil {
		return err
	}
	p.logger.Debug("published settlement event",
		zap.String("transaction_id", event.TransactionID),
		zap.String("status", event.Status),
	)
	return nil
}

// PublishConsumptionEvent publishes a consumption event
func (p *Publisher) PublishConsumptionEvent(ctx context.Context, event ConsumptionEvent) error {
	if err := p.publish(ctx, p.consumptionKey, event); err != nil {
		return err
	}
	p.logger.Debug("published consumption event",
		zap.String("user_id", event.UserID),
		zap.Float64("units_consumed", event.UnitsConsumed),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
