// Package events publishes committed domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/odyssey-clinic/backoffice/internal/billing"
	"github.com/odyssey-clinic/backoffice/internal/inventory"
)

const (
	TopicMovementRecorded = "stock.movement_recorded"
	TopicInvoiceIssued    = "billing.invoice_issued"
	TopicInvoiceVoided    = "billing.invoice_voided"
)

// Envelope wraps every published payload.
type Envelope struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type movementPayload struct {
	MovementID  int64  `json:"movement_id"`
	ProductID   int64  `json:"product_id"`
	ProductCode string `json:"product_code"`
	Type        string `json:"type"`
	Quantity    int64  `json:"quantity"`
	StockBefore int64  `json:"stock_before"`
	StockAfter  int64  `json:"stock_after"`
	RefModule   string `json:"ref_module,omitempty"`
	RefID       int64  `json:"ref_id,omitempty"`
	LowStock    bool   `json:"low_stock"`
}

type invoicePayload struct {
	InvoiceID int64  `json:"invoice_id"`
	Number    string `json:"number"`
	PaymentID int64  `json:"payment_id"`
	Total     string `json:"total,omitempty"`
	ItemCount int    `json:"item_count,omitempty"`
}

// Publisher sends domain events through a synchronous producer. A Publisher
// without a producer drops every event, which is how Kafka is disabled.
type Publisher struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	newID    func() string
}

// Open dials the brokers. An empty broker list yields a disabled publisher.
func Open(brokers []string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return NewPublisher(nil, logger), nil
	}
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("events: create producer: %w", err)
	}
	if logger != nil {
		logger.Info("kafka publisher initialized", slog.Any("brokers", brokers))
	}
	return NewPublisher(producer, logger), nil
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer sarama.SyncProducer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: producer, logger: logger, newID: uuid.NewString}
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.producer != nil
}

// MovementRecorded publishes a committed stock movement keyed by product.
func (p *Publisher) MovementRecorded(ctx context.Context, evt inventory.MovementRecordedEvent) error {
	return p.publish(ctx, TopicMovementRecorded, strconv.FormatInt(evt.ProductID, 10), evt.RecordedAt, movementPayload{
		MovementID:  evt.MovementID,
		ProductID:   evt.ProductID,
		ProductCode: evt.ProductCode,
		Type:        string(evt.Type),
		Quantity:    evt.Quantity,
		StockBefore: evt.StockBefore,
		StockAfter:  evt.StockAfter,
		RefModule:   evt.RefModule,
		RefID:       evt.RefID,
		LowStock:    evt.LowStock,
	})
}

// InvoiceIssued publishes a committed invoice keyed by its number.
func (p *Publisher) InvoiceIssued(ctx context.Context, evt billing.InvoiceIssuedEvent) error {
	return p.publish(ctx, TopicInvoiceIssued, evt.Number, evt.IssuedAt, invoicePayload{
		InvoiceID: evt.InvoiceID,
		Number:    evt.Number,
		PaymentID: evt.PaymentID,
		Total:     evt.Total.StringFixed(2),
		ItemCount: evt.ItemCount,
	})
}

// InvoiceVoided publishes an invoice removal.
func (p *Publisher) InvoiceVoided(ctx context.Context, evt billing.InvoiceVoidedEvent) error {
	return p.publish(ctx, TopicInvoiceVoided, evt.Number, evt.VoidedAt, invoicePayload{
		InvoiceID: evt.InvoiceID,
		Number:    evt.Number,
		PaymentID: evt.PaymentID,
	})
}

func (p *Publisher) publish(ctx context.Context, topic, key string, at time.Time, data any) error {
	if !p.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env := Envelope{EventID: p.newID(), EventType: topic, OccurredAt: at.UTC(), Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", topic, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(topic)},
			{Key: []byte("event_id"), Value: []byte(env.EventID)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("publish event failed", slog.String("topic", topic), slog.String("key", key), slog.Any("error", err))
		return fmt.Errorf("events: send %s: %w", topic, err)
	}
	p.logger.Debug("event published",
		slog.String("topic", topic),
		slog.String("event_id", env.EventID),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset))
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.producer.Close()
}

var (
	_ inventory.MovementListener = (*Publisher)(nil)
	_ billing.Notifier           = (*Publisher)(nil)
)
