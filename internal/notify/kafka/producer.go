// Package kafka publishes SMS dispatch requests to a Kafka topic and consumes them in the delivery worker.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"sms-confirmation/internal/notify"
)

const writeTimeout = 5 * time.Second

// ErrNotConfigured is returned by NewProducer when brokers or topic are missing.
var ErrNotConfigured = errors.New("kafka: brokers and topic are required")

// Dispatch is the JSON value of one published message.
type Dispatch struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	To         string    `json:"to"`
	Token      string    `json:"token,omitempty"`
	Body       string    `json:"body"`
	IdentityID string    `json:"identity_id"`
	Class      string    `json:"class"`
	Sender     string    `json:"sender,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements notify.Gateway using segmentio/kafka-go.
type Producer struct {
	writer messageWriter
	topic  string
	nowF   func() time.Time
}

// NewProducer creates a producer writing to topic. Call Close when shutting down.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, ErrNotConfigured
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newProducer(writer, topic), nil
}

func newProducer(w messageWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic, nowF: func() time.Time { return time.Now().UTC() }}
}

// Send publishes msg keyed by identity ID, so dispatches for one identity stay ordered.
func (p *Producer) Send(ctx context.Context, msg notify.Message) error {
	d := Dispatch{
		ID:         uuid.NewString(),
		Kind:       string(msg.Kind),
		To:         msg.To,
		Token:      msg.Token,
		Body:       notify.Render(msg),
		IdentityID: msg.IdentityID,
		Class:      msg.Class,
		Sender:     msg.Sender,
		CreatedAt:  p.nowF(),
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(msg.IdentityID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
			{Key: "dispatch_id", Value: []byte(d.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close closes the Kafka writer. Safe to call on a nil producer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
