package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	MaxAttempts  int           // default 5
	WriteTimeout time.Duration // default 10s
}

// Producer is a thin wrapper around segmentio/kafka-go Writer. Topic is
// chosen per message so one producer serves every destination.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(c ProducerConfig) *Producer {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            attempts,
		WriteTimeout:           wt,
		AllowAutoTopicCreation: true,
	}
	return &Producer{w: w}
}

// Send writes one envelope. Keying by event id keeps redeliveries of the
// same event on one partition. Metadata becomes Kafka message headers.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte, metadata map[string]string) error {
	var headers []kafka.Header
	for k, v := range metadata {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }
