package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event is the JSON envelope written to the topic.
type Event struct {
	Type       string      `json:"type"`
	Key        string      `json:"key"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to a kafka topic. The zero-broker publisher drops
// events silently.
type Publisher struct {
	w     messageWriter
	topic string
	log   *zap.Logger
}

// NewPublisher builds a kafka-backed publisher, or a no-op one when brokers is empty.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "events.publisher"), zap.String("topic", topic))
	if len(brokers) == 0 {
		return &Publisher{topic: topic, log: log}
	}
	return &Publisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
			WriteTimeout:           5 * time.Second,
		},
		topic: topic,
		log:   log,
	}
}

// Enabled reports whether events are actually sent.
func (p *Publisher) Enabled() bool {
	return p != nil && p.w != nil
}

// Publish encodes data and writes it keyed by key, so events for one entity stay ordered.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, data interface{}) error {
	if !p.Enabled() {
		return nil
	}
	value, err := json.Marshal(Event{Type: eventType, Key: key, OccurredAt: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(eventType)}},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		p.log.Error("kafka write failed", zap.String("type", eventType), zap.Error(err))
		return err
	}
	p.log.Debug("event published", zap.String("type", eventType), zap.String("key", key))
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.w.Close()
}
