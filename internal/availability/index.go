package availability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
)

// Index is the set of blocked ranges of one property, ordered by start.
//
// Reserved ranges (BOOKING and HOLD) never overlap one another. EXTERNAL_FEED ranges are kept
// merged, so no two of them overlap or touch, but they may overlap reserved ranges. Every source
// blocks new bookings.
//
// The index guards its own memory; callers that need check-then-write atomicity must hold the
// property lock (see Manager.Update).
type Index struct {
	mu                 sync.RWMutex
	propertyID         string
	ranges             []domain.BlockedRange
	lastExternalSyncAt *time.Time

	loadMu sync.Mutex
	loaded bool
}

func NewIndex(propertyID string) *Index {
	return &Index{propertyID: propertyID}
}

func (x *Index) PropertyID() string {
	return x.propertyID
}

// IsFree reports whether iv overlaps no blocked range of any source.
func (x *Index) IsFree(iv domain.Interval) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, r := range x.ranges {
		if !r.Interval.Start.Before(iv.End) {
			break
		}
		if r.Interval.Overlaps(iv) {
			return false
		}
	}
	return true
}

// Conflicts returns the blocked parts of iv, clipped to iv and coalesced.
func (x *Index) Conflicts(iv domain.Interval) []domain.Interval {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.clippedLocked(iv)
}

// Blocks returns the coalesced blocked intervals inside window.
func (x *Index) Blocks(window domain.Interval) []domain.Interval {
	return x.Conflicts(window)
}

// Free returns the parts of window that no range blocks.
func (x *Index) Free(window domain.Interval) []domain.Interval {
	free := []domain.Interval{window}
	for _, blocked := range x.Blocks(window) {
		next := make([]domain.Interval, 0, len(free)+1)
		for _, f := range free {
			next = append(next, f.Subtract(blocked)...)
		}
		free = next
	}
	return free
}

func (x *Index) clippedLocked(iv domain.Interval) []domain.Interval {
	var hits []domain.Interval
	for _, r := range x.ranges {
		if !r.Interval.Start.Before(iv.End) {
			break
		}
		if part, ok := r.Interval.Intersect(iv); ok {
			hits = append(hits, part)
		}
	}
	return domain.Coalesce(hits)
}

// Find returns the range carrying ref, preferring reserved ranges.
func (x *Index) Find(ref string) (domain.BlockedRange, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	i := x.findLocked(ref)
	if i < 0 {
		return domain.BlockedRange{}, false
	}
	return x.ranges[i], true
}

func (x *Index) findLocked(ref string) int {
	fallback := -1
	for i, r := range x.ranges {
		if r.SourceRef != ref {
			continue
		}
		if r.Source.Reserved() {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// CheckAdd validates r against the index without changing it.
func (x *Index) CheckAdd(r domain.BlockedRange) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.checkAddLocked(r)
}

func (x *Index) checkAddLocked(r domain.BlockedRange) error {
	return x.checkLocked(r, "")
}

// checkLocked validates r, ignoring the reserved range carrying skip when skip is set.
func (x *Index) checkLocked(r domain.BlockedRange, skip string) error {
	if !r.Interval.Valid() {
		return &domain.InvalidRangeError{Start: r.Interval.Start, End: r.Interval.End}
	}
	if r.PropertyID != x.propertyID {
		return fmt.Errorf("range for property %s added to index of %s", r.PropertyID, x.propertyID)
	}
	if !r.Source.Valid() {
		return fmt.Errorf("unknown range source %q", r.Source)
	}
	if r.SourceRef == "" {
		return fmt.Errorf("range source reference is required")
	}
	if !r.Source.Reserved() {
		return nil
	}

	for _, existing := range x.ranges {
		if !existing.Source.Reserved() || (skip != "" && existing.SourceRef == skip) {
			continue
		}
		if existing.SourceRef == r.SourceRef || existing.Interval.Overlaps(r.Interval) {
			return &domain.RangeConflictError{PropertyID: x.propertyID, Incoming: r, Existing: existing}
		}
	}
	return nil
}

// Add inserts r. A reserved range overlapping another reserved range is refused with a
// *domain.RangeConflictError and leaves the index unchanged.
func (x *Index) Add(r domain.BlockedRange) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.checkAddLocked(r); err != nil {
		return err
	}
	x.insertLocked(r)
	return nil
}

func (x *Index) insertLocked(r domain.BlockedRange) {
	i := sort.Search(len(x.ranges), func(i int) bool {
		return x.ranges[i].Interval.Start.After(r.Interval.Start)
	})
	x.ranges = append(x.ranges, domain.BlockedRange{})
	copy(x.ranges[i+1:], x.ranges[i:])
	x.ranges[i] = r
}

// Remove drops every range carrying ref and reports whether anything was removed.
func (x *Index) Remove(ref string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	kept := x.ranges[:0]
	removed := false
	for _, r := range x.ranges {
		if r.SourceRef == ref {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	// clear the tail so dropped ranges are not retained by the backing array
	for i := len(kept); i < len(x.ranges); i++ {
		x.ranges[i] = domain.BlockedRange{}
	}
	x.ranges = kept
	return removed
}

// CheckReplace validates next as the replacement of the reserved range carrying ref.
func (x *Index) CheckReplace(ref string, next domain.BlockedRange) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	i := x.findLocked(ref)
	if i < 0 || !x.ranges[i].Source.Reserved() {
		return fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	return x.checkLocked(next, ref)
}

// Replace swaps the reserved range carrying ref for next in one step, so the old dates stay
// blocked whenever next is refused.
func (x *Index) Replace(ref string, next domain.BlockedRange) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	i := x.findLocked(ref)
	if i < 0 || !x.ranges[i].Source.Reserved() {
		return fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	if err := x.checkLocked(next, ref); err != nil {
		return err
	}
	x.ranges = append(x.ranges[:i], x.ranges[i+1:]...)
	x.insertLocked(next)
	return nil
}

// Promote turns the hold carrying ref into a booking in place. The interval stays blocked
// throughout. Promoting a booking returns it unchanged.
func (x *Index) Promote(ref string) (domain.BlockedRange, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	i := x.findLocked(ref)
	if i < 0 || !x.ranges[i].Source.Reserved() {
		return domain.BlockedRange{}, fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	x.ranges[i].Source = domain.SourceBooking
	return x.ranges[i], nil
}

// ReplaceExternal swaps the whole EXTERNAL_FEED subset for ranges, merged, and records at as
// the last external sync. It returns the stored set.
func (x *Index) ReplaceExternal(ranges []domain.BlockedRange, at time.Time) ([]domain.BlockedRange, error) {
	merged, err := MergeExternal(x.propertyID, ranges)
	if err != nil {
		return nil, err
	}
	x.swapExternal(merged, &at)
	return merged, nil
}

// swapExternal installs merged as the external set. A nil at keeps the last sync time.
func (x *Index) swapExternal(merged []domain.BlockedRange, at *time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	next := make([]domain.BlockedRange, 0, len(x.ranges)+len(merged))
	for _, r := range x.ranges {
		if r.Source.Reserved() {
			next = append(next, r)
		}
	}
	next = append(next, merged...)
	sortRanges(next)

	x.ranges = next
	if at != nil {
		synced := *at
		x.lastExternalSyncAt = &synced
	}
}

// External returns the current EXTERNAL_FEED ranges.
func (x *Index) External() []domain.BlockedRange {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]domain.BlockedRange, 0, len(x.ranges))
	for _, r := range x.ranges {
		if r.Source == domain.SourceExternalFeed {
			out = append(out, r)
		}
	}
	return out
}

// ExpiredHolds returns holds created before cutoff.
func (x *Index) ExpiredHolds(cutoff time.Time) []domain.BlockedRange {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []domain.BlockedRange
	for _, r := range x.ranges {
		if r.Source == domain.SourceHold && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot returns a copy of every range in start order.
func (x *Index) Snapshot() []domain.BlockedRange {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]domain.BlockedRange, len(x.ranges))
	copy(out, x.ranges)
	return out
}

func (x *Index) LastExternalSyncAt() *time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.lastExternalSyncAt == nil {
		return nil
	}
	t := *x.lastExternalSyncAt
	return &t
}

// reset replaces the whole content, used when (re)loading from a store.
func (x *Index) reset(ranges []domain.BlockedRange, lastSync *time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.ranges = make([]domain.BlockedRange, len(ranges))
	copy(x.ranges, ranges)
	sortRanges(x.ranges)
	x.lastExternalSyncAt = lastSync
}

// MergeExternal validates feed ranges for propertyID and merges overlapping or touching ones.
// A merged range keeps the earliest CreatedAt and the joined source references.
func MergeExternal(propertyID string, ranges []domain.BlockedRange) ([]domain.BlockedRange, error) {
	if len(ranges) == 0 {
		return nil, nil
	}

	sorted := make([]domain.BlockedRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Source != domain.SourceExternalFeed {
			return nil, fmt.Errorf("range %s has source %s, want %s", r.SourceRef, r.Source, domain.SourceExternalFeed)
		}
		if r.PropertyID != propertyID {
			return nil, fmt.Errorf("feed range %s belongs to property %s, not %s", r.SourceRef, r.PropertyID, propertyID)
		}
		if !r.Interval.Valid() {
			return nil, &domain.InvalidRangeError{Start: r.Interval.Start, End: r.Interval.End}
		}
		sorted = append(sorted, r)
	}
	sortRanges(sorted)

	out := []domain.BlockedRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		merged, err := last.Interval.Merge(r.Interval)
		if err != nil {
			out = append(out, r)
			continue
		}
		last.Interval = merged
		last.SourceRef = joinRefs(last.SourceRef, r.SourceRef)
		if last.Reason == "" {
			last.Reason = r.Reason
		}
		if r.CreatedAt.Before(last.CreatedAt) {
			last.CreatedAt = r.CreatedAt
		}
	}
	return out, nil
}

func joinRefs(a, b string) string {
	for _, ref := range strings.Split(a, ",") {
		if ref == b {
			return a
		}
	}
	return a + "," + b
}

func sortRanges(rs []domain.BlockedRange) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Interval.Start.Before(rs[j].Interval.Start)
	})
}
