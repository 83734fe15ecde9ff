package adapter

import (
	"fmt"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
)

// FromReservation builds the range an accepted booking attempt writes into the index.
func FromReservation(ref, propertyID string, iv domain.Interval, mode domain.ReserveMode, at time.Time) domain.BlockedRange {
	source := mode.Source()
	return domain.BlockedRange{
		Interval:   iv,
		PropertyID: propertyID,
		Source:     source,
		SourceRef:  ref,
		Reason:     reasonFor(source),
		CreatedAt:  at,
	}
}

// FromBookingRecord converts a booking persisted by the marketplace backend. Cancelled bookings
// block nothing and return ok == false.
func FromBookingRecord(rec domain.BookingRecord) (domain.BlockedRange, bool, error) {
	var source domain.Source
	switch rec.Status {
	case domain.BookingStatusConfirmed:
		source = domain.SourceBooking
	case domain.BookingStatusPending:
		source = domain.SourceHold
	case domain.BookingStatusCancelled:
		return domain.BlockedRange{}, false, nil
	default:
		return domain.BlockedRange{}, false, fmt.Errorf("booking %s has unknown status %q", rec.Ref, rec.Status)
	}
	if rec.Ref == "" || rec.PropertyID == "" {
		return domain.BlockedRange{}, false, fmt.Errorf("booking record needs ref and property id")
	}

	iv, err := domain.NewInterval(domain.Day(rec.Start), domain.Day(rec.End))
	if err != nil {
		return domain.BlockedRange{}, false, fmt.Errorf("booking %s: %w", rec.Ref, err)
	}

	return domain.BlockedRange{
		Interval:   iv,
		PropertyID: rec.PropertyID,
		Source:     source,
		SourceRef:  rec.Ref,
		Reason:     reasonFor(source),
		CreatedAt:  rec.CreatedAt,
	}, true, nil
}

func reasonFor(source domain.Source) string {
	switch source {
	case domain.SourceBooking:
		return "confirmed booking"
	case domain.SourceHold:
		return "pending payment"
	default:
		return ""
	}
}
