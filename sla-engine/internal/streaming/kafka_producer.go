// Package streaming moves escalation data out of the engine: Kafka topics for
// escalation events, notifications and alerts, plus an S3 archive of every
// escalation event.
package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer is the subset of Kafka behavior the publishers and the streamer need.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (producedAt time.Time, err error)
	Close() error
}

type KafkaProducerConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout bounds each attempt; defaults to 10s.
	WriteTimeout time.Duration
	// Balancer defaults to key hashing so one instance's messages share a partition.
	Balancer kafka.Balancer
}

// KafkaProducer wraps a kafka-go Writer with bounded retries.
type KafkaProducer struct {
	writer       *kafka.Writer
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{
		writer:       w,
		topic:        cfg.Topic,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

func (p *KafkaProducer) Topic() string { return p.topic }

// Produce writes one message, retrying with exponential backoff capped at 2s.
func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return msg.Time, nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return time.Time{}, fmt.Errorf("produce to %s: %w", p.topic, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return time.Time{}, fmt.Errorf("produce to %s failed after %d attempts: %w", p.topic, p.maxAttempts, lastErr)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
