package adapter

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	ics "github.com/arran4/golang-ical"
	"go.uber.org/zap"
)

const icalDateLayout = "20060102"

// SkippedEvent is a VEVENT that could not be turned into a blocked range.
type SkippedEvent struct {
	UID    string
	Reason string
}

// ParsedFeed is the outcome of reading one calendar feed.
type ParsedFeed struct {
	Ranges  []domain.BlockedRange
	Skipped []SkippedEvent
}

// ParseFeed reads iCalendar text and returns one EXTERNAL_FEED range per usable VEVENT.
//
// Dates are normalised to UTC calendar days: a stay checking out on a day frees that night.
// Events without DTEND block a single day. Cancelled events, events without DTSTART and events
// ending before now's day are skipped. Only a feed that cannot be parsed at all is an error.
func ParseFeed(r io.Reader, propertyID string, now time.Time, logger *zap.Logger) (ParsedFeed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cal, err := ics.ParseCalendar(r)
	if err != nil {
		return ParsedFeed{}, err
	}

	today := domain.Day(now)
	var out ParsedFeed
	for _, event := range cal.Events() {
		uid := strings.TrimSpace(event.Id())

		r, reason := eventRange(event, uid, propertyID, now)
		if reason != "" {
			out.Skipped = append(out.Skipped, SkippedEvent{UID: uid, Reason: reason})
			logger.Debug("skipping calendar event",
				zap.String("property_id", propertyID),
				zap.String("uid", uid),
				zap.String("reason", reason),
			)
			continue
		}
		if !r.Interval.End.After(today) {
			continue
		}
		out.Ranges = append(out.Ranges, r)
	}
	return out, nil
}

func eventRange(event *ics.VEvent, uid, propertyID string, now time.Time) (domain.BlockedRange, string) {
	if p := event.GetProperty(ics.ComponentPropertyStatus); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED") {
		return domain.BlockedRange{}, "cancelled"
	}

	start, err := eventTime(event, ics.ComponentPropertyDtStart)
	if err != nil {
		return domain.BlockedRange{}, "DTSTART: " + err.Error()
	}

	var end time.Time
	if event.GetProperty(ics.ComponentPropertyDtEnd) == nil {
		end = start.Add(24 * time.Hour)
	} else {
		end, err = eventTime(event, ics.ComponentPropertyDtEnd)
		if err != nil {
			return domain.BlockedRange{}, "DTEND: " + err.Error()
		}
		if end.Equal(start) {
			end = start.Add(24 * time.Hour)
		}
	}

	iv, err := domain.NewInterval(start, end)
	if err != nil {
		return domain.BlockedRange{}, err.Error()
	}

	if uid == "" {
		uid = syntheticUID(iv)
	}

	var reason string
	if p := event.GetProperty(ics.ComponentPropertySummary); p != nil {
		reason = strings.TrimSpace(p.Value)
	}

	return domain.BlockedRange{
		Interval:   iv,
		PropertyID: propertyID,
		Source:     domain.SourceExternalFeed,
		SourceRef:  uid,
		Reason:     reason,
		CreatedAt:  now,
	}, ""
}

// eventTime reads a DATE or DATE-TIME property and truncates it to its UTC day.
func eventTime(event *ics.VEvent, prop ics.ComponentProperty) (time.Time, error) {
	p := event.GetProperty(prop)
	if p == nil {
		return time.Time{}, fmt.Errorf("missing")
	}

	value := strings.TrimSpace(p.Value)
	if len(value) == len(icalDateLayout) {
		t, err := time.ParseInLocation(icalDateLayout, value, time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}

	var (
		t   time.Time
		err error
	)
	switch prop {
	case ics.ComponentPropertyDtEnd:
		t, err = event.GetEndAt()
	default:
		t, err = event.GetStartAt()
	}
	if err != nil {
		return time.Time{}, err
	}
	return domain.Day(t), nil
}

func syntheticUID(iv domain.Interval) string {
	sum := sha1.Sum([]byte(iv.String()))
	return "nouid-" + hex.EncodeToString(sum[:8])
}
