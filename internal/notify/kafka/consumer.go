package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"sms-confirmation/internal/notify"
)

const sendTimeout = 10 * time.Second

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Message converts d back into the notification it was published from.
func (d Dispatch) Message() notify.Message {
	return notify.Message{
		Kind:       notify.Kind(d.Kind),
		To:         d.To,
		Token:      d.Token,
		IdentityID: d.IdentityID,
		Class:      d.Class,
		Sender:     d.Sender,
	}
}

// Consumer reads dispatches from a topic and delivers them through a gateway. Delivery is
// at most once: a failed send is logged and the offset still moves on.
type Consumer struct {
	reader  messageReader
	gateway notify.Gateway
	logger  *slog.Logger
}

// NewConsumer creates a consumer group member reading topic. Call Close when shutting down.
func NewConsumer(brokers []string, topic, groupID string, gateway notify.Gateway, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 || topic == "" || groupID == "" {
		return nil, ErrNotConfigured
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	return newConsumer(reader, gateway, logger), nil
}

func newConsumer(r messageReader, gateway notify.Gateway, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, gateway: gateway, logger: logger}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WarnContext(ctx, "kafka read failed", "error", err)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			c.logger.ErrorContext(ctx, "sms dispatch failed",
				"offset", msg.Offset, "partition", msg.Partition, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var d Dispatch
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		return fmt.Errorf("decode dispatch: %w", err)
	}
	if d.To == "" {
		return errors.New("dispatch has no recipient")
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := c.gateway.Send(sendCtx, d.Message()); err != nil {
		return fmt.Errorf("dispatch %s: %w", d.ID, err)
	}
	c.logger.InfoContext(ctx, "sms dispatched", "dispatch_id", d.ID, "identity_id", d.IdentityID, "kind", d.Kind)
	return nil
}

// Close closes the Kafka reader. Safe to call on a nil consumer.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
