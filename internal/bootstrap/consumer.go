package bootstrap

import (
	"context"
	"errors"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/Domenick1991/staysync/internal/kafka"
	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Tracker is the part of the reservation service fed by booking records.
type Tracker interface {
	Track(ctx context.Context, rec domain.BookingRecord) error
}

// EventSender delivers one availability event, e.g. as an email to the host.
type EventSender interface {
	Send(ctx context.Context, event domain.AvailabilityEvent) error
}

// TrackBookingRecords applies each consumed booking record to the index. Lock timeouts are
// retried; records that can never apply are logged and skipped so the partition keeps moving.
func TrackBookingRecords(tracker Tracker, logger *zap.Logger, newBackOff func() backoff.BackOff) func(context.Context, kafkago.Message) error {
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}

	return func(ctx context.Context, msg kafkago.Message) error {
		rec, err := kafka.DecodeBookingRecord(msg)
		if err != nil {
			logger.Warn("skipping booking record", zap.Error(err))
			return nil
		}

		op := func() error {
			err := tracker.Track(ctx, rec)
			if err != nil && !domain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		err = backoff.Retry(op, backoff.WithContext(newBackOff(), ctx))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var conflict *domain.RangeConflictError
		if errors.As(err, &conflict) {
			logger.Error("booking record collides with reserved dates",
				zap.String("booking_ref", rec.Ref), zap.String("property_id", rec.PropertyID), zap.Error(err))
			return nil
		}
		logger.Error("booking record not applied",
			zap.String("booking_ref", rec.Ref), zap.String("property_id", rec.PropertyID), zap.Error(err))
		return nil
	}
}

// SendEvents forwards consumed availability events to sender.
func SendEvents(sender EventSender, logger *zap.Logger) func(context.Context, kafkago.Message) error {
	return func(ctx context.Context, msg kafkago.Message) error {
		ev, err := kafka.DecodeEvent(msg)
		if err != nil {
			logger.Warn("skipping event", zap.Error(err))
			return nil
		}
		if err := sender.Send(ctx, ev); err != nil {
			logger.Error("send notification failed", zap.String("property_id", ev.PropertyID), zap.Error(err))
		}
		return nil
	}
}
