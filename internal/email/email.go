package email

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"go.uber.org/zap"
)

// Sender turns availability events into host notifications. Delivery is a log line for now.
type Sender struct {
	logger *zap.Logger
}

func NewSender(logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{logger: logger}
}

func (s *Sender) Send(ctx context.Context, event domain.AvailabilityEvent) error {
	subject, ok := Subject(event)
	if !ok {
		return nil
	}
	s.logger.Info("send notification",
		zap.String("property_id", event.PropertyID),
		zap.String("type", string(event.Type)),
		zap.String("subject", subject),
	)
	return nil
}

// Subject renders the notification line for event. Events hosts do not care about return false.
func Subject(event domain.AvailabilityEvent) (string, bool) {
	switch event.Type {
	case domain.EventHoldCreated:
		return fmt.Sprintf("Dates %s held for %s until %s", dates(event), event.PropertyID, clock(event.ExpiresAt)), true
	case domain.EventBookingCreated, domain.EventBookingConfirmed:
		return fmt.Sprintf("New booking %s for %s on %s", event.BookingRef, event.PropertyID, dates(event)), true
	case domain.EventBookingCancelled:
		return fmt.Sprintf("Booking %s for %s was cancelled, %s are free again", event.BookingRef, event.PropertyID, dates(event)), true
	case domain.EventHoldExpired:
		return fmt.Sprintf("Hold %s for %s expired", event.BookingRef, event.PropertyID), true
	case domain.EventFeedDegraded:
		return fmt.Sprintf("Calendar sync for %s is failing: %s", event.PropertyID, event.Detail), true
	default:
		return "", false
	}
}

func dates(event domain.AvailabilityEvent) string {
	if event.Start == nil || event.End == nil {
		return "unknown dates"
	}
	return event.Start.Format(time.DateOnly) + ".." + event.End.Format(time.DateOnly)
}

func clock(t *time.Time) string {
	if t == nil {
		return "further notice"
	}
	return t.UTC().Format("15:04 UTC")
}
