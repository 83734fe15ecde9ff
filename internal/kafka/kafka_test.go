package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReader реализует messageReader
type MockReader struct {
	mock.Mock
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	args := m.Called(ctx)
	return args.Get(0).(kafka.Message), args.Error(1)
}

func (m *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *MockReader) Close() error {
	return m.Called().Error(0)
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, nil)
	require.NotNil(t, p)
	assert.NotNil(t, p.logger)
	assert.NoError(t, p.Close())
}

func TestProducer_CheckConnectionWithoutBrokers(t *testing.T) {
	p := NewProducer(nil, nil)
	assert.Error(t, p.CheckConnection(context.Background()))
}

func TestProducer_PublishUnmarshalable(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, nil)
	defer p.Close()

	err := p.Publish(context.Background(), "t", "k", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal")
}

func TestConsumer_CloseNil(t *testing.T) {
	var c *Consumer
	assert.NoError(t, c.Close())
}

func TestConsumer_CommitsOnlyHandledMessages(t *testing.T) {
	ctx := context.Background()
	first := kafka.Message{Offset: 1, Value: []byte("ok")}
	second := kafka.Message{Offset: 2, Value: []byte("boom")}

	reader := &MockReader{}
	reader.On("FetchMessage", ctx).Return(first, nil).Once()
	reader.On("FetchMessage", ctx).Return(second, nil).Once()
	reader.On("CommitMessages", ctx, []kafka.Message{first}).Return(nil).Once()

	c := &Consumer{reader: reader}
	err := c.Consume(ctx, func(_ context.Context, msg kafka.Message) error {
		if msg.Offset == 2 {
			return errors.New("handler failed")
		}
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler failed")
	reader.AssertNotCalled(t, "CommitMessages", ctx, []kafka.Message{second})
	reader.AssertExpectations(t)
}

func TestConsumer_CommitFailureStops(t *testing.T) {
	ctx := context.Background()
	msg := kafka.Message{Offset: 5}

	reader := &MockReader{}
	reader.On("FetchMessage", ctx).Return(msg, nil).Once()
	reader.On("CommitMessages", ctx, []kafka.Message{msg}).Return(errors.New("rebalance")).Once()

	c := &Consumer{reader: reader}
	err := c.Consume(ctx, func(context.Context, kafka.Message) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit offset 5")
	reader.AssertExpectations(t)
}

func TestDecodeBookingRecord(t *testing.T) {
	msg := kafka.Message{Value: []byte(`{"ref":"b-1","property_id":"P","start":"2024-06-01T00:00:00Z","end":"2024-06-04T00:00:00Z","status":"CONFIRMED","created_at":"2024-05-01T10:00:00Z"}`)}

	rec, err := DecodeBookingRecord(msg)
	require.NoError(t, err)
	assert.Equal(t, "b-1", rec.Ref)
	assert.Equal(t, domain.BookingStatusConfirmed, rec.Status)
	assert.True(t, rec.End.Equal(time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)))

	_, err = DecodeBookingRecord(kafka.Message{Value: []byte("{"), Offset: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 7")
}

func TestDecodeEvent(t *testing.T) {
	msg := kafka.Message{Value: []byte(`{"type":"hold_expired","property_id":"P","booking_ref":"h1"}`)}

	ev, err := DecodeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, domain.EventHoldExpired, ev.Type)
	assert.Equal(t, "h1", ev.BookingRef)
}
