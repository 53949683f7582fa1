// Package audit fans finished run receipts out to an external audit channel.
package audit

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "CronoGuard/internal/errors"
	"CronoGuard/internal/receipt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig describes the audit queue connection.
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// RabbitMQPublisher delivers receipts to a RabbitMQ queue so external audit
// consumers can archive or alert on them.
type RabbitMQPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQPublisher connects and declares the audit queue.
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "rabbitmq URL must not be empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "cronoguard.receipts"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open rabbitmq channel")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "declare audit queue")
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish delivers one receipt as a JSON message.
func (p *RabbitMQPublisher) Publish(ctx context.Context, rr *receipt.RunReceipt) error {
	if p == nil || p.ch == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "audit publisher not initialised")
	}
	body, err := json.Marshal(rr)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode receipt for audit")
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close shuts down the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// MemoryPublisher collects receipts in memory. Used when no queue is
// configured and in tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	receipts []*receipt.RunReceipt
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records the receipt.
func (p *MemoryPublisher) Publish(_ context.Context, rr *receipt.RunReceipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, rr)
	return nil
}

// Receipts returns a snapshot of everything published so far.
func (p *MemoryPublisher) Receipts() []*receipt.RunReceipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*receipt.RunReceipt(nil), p.receipts...)
}
