package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/segmentio/kafka-go"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// KafkaSink publishes change events for downstream consumers. Messages are
// keyed by masked identity so one cart's events stay ordered.
type KafkaSink struct {
	writer MessageWriter
	log    *logger.Logger
}

func NewKafkaSink(writer MessageWriter, log *logger.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, log: log}
}

func (s *KafkaSink) Handle(ctx context.Context, e domain.ChangeEvent) error {
	update := newCartUpdate(s.log, e)
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal cart event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(update.Identity),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("cart." + string(e.Reason))},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write cart event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
