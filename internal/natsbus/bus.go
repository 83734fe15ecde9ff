package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// KeyHeader carries the partition key (the property id) the kafka driver would use.
const KeyHeader = "Staysync-Key"

// Bus publishes availability events as NATS messages, one subject per topic.
type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func Connect(url string, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("staysync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Bus{conn: conn, logger: logger}, nil
}

func (b *Bus) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := nats.NewMsg(topic)
	msg.Data = data
	msg.Header.Set(KeyHeader, key)

	b.logger.Debug("publishing event", zap.String("subject", topic), zap.String("key", key))
	return b.conn.PublishMsg(msg)
}

// SubscribeEvents delivers decoded events from subject to handler, load-balanced across
// every subscriber in queue. Undecodable messages are logged and dropped.
func (b *Bus) SubscribeEvents(subject, queue string, handler func(context.Context, domain.AvailabilityEvent) error) (*nats.Subscription, error) {
	return b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var ev domain.AvailabilityEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), ev); err != nil {
			b.logger.Error("event handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
}

func (b *Bus) Close() error {
	return b.conn.Drain()
}
