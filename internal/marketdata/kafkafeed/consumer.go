// Package kafkafeed consumes quote records from a Kafka topic and feeds
// them into the pipeline. Message values use the same JSON record as the
// file and WebSocket feeds; the message key is ignored.
package kafkafeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"ohlc-engine/internal/feed"
	"ohlc-engine/internal/model"
)

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the Kafka consumer settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads quotes from Kafka. Offsets are committed only after a
// quote (or a malformed message) has been handed off, so a restart
// re-delivers at most the in-flight message.
type Consumer struct {
	reader MessageReader
	topic  string

	// Optional hooks
	OnMalformed func(err error)
	OnQuote     func(q model.Quote)
}

// New creates a Consumer backed by a kafka-go group reader.
func New(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkafeed: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafkafeed: topic is required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	return NewWithReader(r, cfg.Topic), nil
}

// NewWithReader wraps an existing reader (used in tests).
func NewWithReader(r MessageReader, topic string) *Consumer {
	return &Consumer{reader: r, topic: topic}
}

// Start reads messages until ctx is cancelled and pushes decoded quotes
// into quoteCh. Sends block so ordering within a partition is preserved.
func (c *Consumer) Start(ctx context.Context, quoteCh chan<- model.Quote) error {
	log.Printf("[kafkafeed] consuming topic=%s", c.topic)
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafkafeed: fetch: %w", err)
		}

		if err := c.handle(ctx, msg, quoteCh); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle decodes one message, forwards it, then commits its offset.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message, quoteCh chan<- model.Quote) error {
	q, err := feed.Decode(msg.Value)
	if err != nil {
		log.Printf("[kafkafeed] skipping malformed message partition=%d offset=%d: %v",
			msg.Partition, msg.Offset, err)
		if c.OnMalformed != nil {
			c.OnMalformed(err)
		}
	} else {
		select {
		case quoteCh <- q:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.OnQuote != nil {
			c.OnQuote(q)
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkafeed: commit offset %d: %w", msg.Offset, err)
	}
	return nil
}
