package domain

import (
	"fmt"
	"sort"
	"time"
)

// Interval is a half-open range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval returns an InvalidRangeError unless start is strictly before end.
func NewInterval(start, end time.Time) (Interval, error) {
	if !start.Before(end) {
		return Interval{}, &InvalidRangeError{Start: start, End: end}
	}
	return Interval{Start: start, End: end}, nil
}

// MustInterval is NewInterval for literals known to be valid.
func MustInterval(start, end time.Time) Interval {
	iv, err := NewInterval(start, end)
	if err != nil {
		panic(err)
	}
	return iv
}

func (i Interval) Valid() bool {
	return i.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Nights counts calendar days covered by the interval, rounding partial days up.
func (i Interval) Nights() int {
	d := i.Duration()
	n := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		n++
	}
	return n
}

// Overlaps reports whether both intervals share an instant. Touching endpoints do not overlap,
// so a checkout day may equal the next checkin day.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Adjacent(o Interval) bool {
	return i.End.Equal(o.Start) || o.End.Equal(i.Start)
}

// Equal compares instants, ignoring time zone representation.
func (i Interval) Equal(o Interval) bool {
	return i.Start.Equal(o.Start) && i.End.Equal(o.End)
}

func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Merge returns the union of two overlapping or adjacent intervals.
func (i Interval) Merge(o Interval) (Interval, error) {
	if !i.Overlaps(o) && !i.Adjacent(o) {
		return Interval{}, fmt.Errorf("%w: %s and %s", ErrNotMergeable, i, o)
	}
	return Interval{Start: minTime(i.Start, o.Start), End: maxTime(i.End, o.End)}, nil
}

// Intersect returns the common part of two intervals, if any.
func (i Interval) Intersect(o Interval) (Interval, bool) {
	if !i.Overlaps(o) {
		return Interval{}, false
	}
	return Interval{Start: maxTime(i.Start, o.Start), End: minTime(i.End, o.End)}, true
}

// Subtract removes o from i and returns what is left: zero, one or two intervals.
func (i Interval) Subtract(o Interval) []Interval {
	if !i.Overlaps(o) {
		return []Interval{i}
	}
	var out []Interval
	if i.Start.Before(o.Start) {
		out = append(out, Interval{Start: i.Start, End: o.Start})
	}
	if o.End.Before(i.End) {
		out = append(out, Interval{Start: o.End, End: i.End})
	}
	return out
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// Coalesce sorts intervals by start and merges every overlapping or adjacent pair.
// The input slice is not modified.
func Coalesce(in []Interval) []Interval {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]Interval, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Start.Equal(sorted[b].Start) {
			return sorted[a].End.Before(sorted[b].End)
		}
		return sorted[a].Start.Before(sorted[b].Start)
	})

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if merged, err := last.Merge(iv); err == nil {
			*last = merged
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay accepts YYYY-MM-DD or RFC3339 and returns a UTC day.
func ParseDay(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Day(t), nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
