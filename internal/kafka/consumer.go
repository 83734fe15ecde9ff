package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/segmentio/kafka-go"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader messageReader
}

func NewConsumer(brokers []string, groupID, topic string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:           brokers,
			GroupID:           groupID,
			Topic:             topic,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    30 * time.Second,
		}),
	}
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Consume reads until ctx ends or handler fails. A message's offset is committed only after
// the handler returns nil, so a failed message is redelivered after restart.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, kafka.Message) error) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := handler(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func DecodeBookingRecord(msg kafka.Message) (domain.BookingRecord, error) {
	var rec domain.BookingRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return domain.BookingRecord{}, fmt.Errorf("decode booking record at offset %d: %w", msg.Offset, err)
	}
	return rec, nil
}

func DecodeEvent(msg kafka.Message) (domain.AvailabilityEvent, error) {
	var ev domain.AvailabilityEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return domain.AvailabilityEvent{}, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	return ev, nil
}
