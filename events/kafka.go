package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/vitwit/x402-gate/logger"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

// DefaultBatchTimeout bounds how long an event waits in the writer's batch.
const DefaultBatchTimeout = 10 * time.Millisecond

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
}

// ParseBrokers splits a comma-separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type KafkaOption func(*kafka.Writer, *kafkaSettings)

type kafkaSettings struct {
	logger logger.Logger
}

// WithKafkaLogger receives delivery failures, which the asynchronous
// writer reports after Publish has returned.
func WithKafkaLogger(l logger.Logger) KafkaOption {
	return func(_ *kafka.Writer, s *kafkaSettings) {
		s.logger = l
	}
}

func WithBatchTimeout(d time.Duration) KafkaOption {
	return func(w *kafka.Writer, _ *kafkaSettings) {
		if d > 0 {
			w.BatchTimeout = d
		}
	}
}

// NewKafkaPublisher writes events asynchronously, so Publish never blocks
// a request on the broker.
func NewKafkaPublisher(brokers []string, topic string, opts ...KafkaOption) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: DefaultBatchTimeout,
	}
	settings := &kafkaSettings{logger: logger.NoopLogger{}}
	for _, opt := range opts {
		opt(w, settings)
	}
	w.Completion = deliveryReporter(settings.logger)
	return NewKafkaPublisherWithWriter(w), nil
}

func deliveryReporter(l logger.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		kinds := make([]string, 0, len(msgs))
		for _, m := range msgs {
			for _, h := range m.Headers {
				if h.Key == "type" {
					kinds = append(kinds, string(h.Value))
				}
			}
		}
		l.Error("failed to deliver events", map[string]any{"count": len(msgs), "types": kinds, "error": err})
	}
}

func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
