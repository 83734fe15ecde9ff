package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"go.uber.org/zap"
)

// Store persists blocked ranges so an index survives restarts and can be shared between
// instances. Writes happen before the in-memory index changes.
type Store interface {
	LoadProperty(ctx context.Context, propertyID string) ([]domain.BlockedRange, *time.Time, error)
	InsertRange(ctx context.Context, r domain.BlockedRange) error
	DeleteBySourceRef(ctx context.Context, propertyID, ref string) (int64, error)
	UpdateSource(ctx context.Context, propertyID, ref string, source domain.Source) error
	// ReplaceRange swaps the reserved range carrying ref for next atomically.
	ReplaceRange(ctx context.Context, propertyID, ref string, next domain.BlockedRange) error
	// ReplaceExternal swaps the external set. A nil syncedAt leaves the recorded sync time alone.
	ReplaceExternal(ctx context.Context, propertyID string, ranges []domain.BlockedRange, syncedAt *time.Time) error
	LookupRef(ctx context.Context, ref string) (string, error)
	PropertiesWithHoldsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Manager owns the per-property indexes and the lock that serialises changes to each of them.
type Manager struct {
	mu      sync.Mutex
	indexes map[string]*Index
	refs    map[string]string

	locker     Locker
	store      Store
	reload     bool
	logger     *zap.Logger
	onLockWait func(time.Duration)
}

type ManagerOption func(*Manager)

func WithStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

func WithLocker(locker Locker) ManagerOption {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithReloadOnLock re-reads a property from the store every time its lock is taken. Needed when
// other instances write the same store.
func WithReloadOnLock() ManagerOption {
	return func(m *Manager) {
		m.reload = true
	}
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLockWaitObserver receives how long every lock acquisition waited.
func WithLockWaitObserver(fn func(time.Duration)) ManagerOption {
	return func(m *Manager) {
		m.onLockWait = fn
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		indexes: make(map[string]*Index),
		refs:    make(map[string]string),
		locker:  NewLocalLocker(2 * time.Second),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) get(propertyID string) *Index {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[propertyID]
	if !ok {
		idx = NewIndex(propertyID)
		m.indexes[propertyID] = idx
	}
	return idx
}

func (m *Manager) ensureLoaded(ctx context.Context, idx *Index, force bool) error {
	idx.loadMu.Lock()
	defer idx.loadMu.Unlock()

	if idx.loaded && !force {
		return nil
	}
	if m.store == nil {
		idx.loaded = true
		return nil
	}

	ranges, lastSync, err := m.store.LoadProperty(ctx, idx.propertyID)
	if err != nil {
		return fmt.Errorf("load property %s: %w", idx.propertyID, err)
	}
	idx.reset(ranges, lastSync)
	idx.loaded = true

	m.mu.Lock()
	for _, r := range ranges {
		if r.Source.Reserved() {
			m.refs[r.SourceRef] = idx.propertyID
		}
	}
	m.mu.Unlock()
	return nil
}

// View runs fn against the property's index without taking the property lock. fn must only read.
func (m *Manager) View(ctx context.Context, propertyID string, fn func(*Index) error) error {
	idx := m.get(propertyID)
	if err := m.ensureLoaded(ctx, idx, m.reload); err != nil {
		return err
	}
	return fn(idx)
}

// Update runs fn while holding the property lock. Everything fn does through the Tx is
// serialised with every other Update of the same property.
func (m *Manager) Update(ctx context.Context, propertyID string, fn func(*Tx) error) error {
	started := time.Now()
	unlock, err := m.locker.Lock(ctx, propertyID)
	if m.onLockWait != nil {
		m.onLockWait(time.Since(started))
	}
	if err != nil {
		var timeout *domain.LockTimeoutError
		if errors.As(err, &timeout) {
			m.logger.Warn("property lock timeout", zap.String("property_id", propertyID), zap.Duration("waited", timeout.Waited))
		}
		return err
	}
	defer unlock()

	idx := m.get(propertyID)
	if err := m.ensureLoaded(ctx, idx, m.reload); err != nil {
		return err
	}
	return fn(&Tx{ctx: ctx, m: m, idx: idx})
}

// PropertyForRef finds which property a booking reference blocks.
func (m *Manager) PropertyForRef(ctx context.Context, ref string) (string, error) {
	m.mu.Lock()
	propertyID, ok := m.refs[ref]
	m.mu.Unlock()
	if ok {
		return propertyID, nil
	}
	if m.store == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	return m.store.LookupRef(ctx, ref)
}

// Properties lists the properties with an index in memory, sorted.
func (m *Manager) Properties() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.indexes))
	for id := range m.indexes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PropertiesWithExpiredHolds lists properties holding a hold created before cutoff, in memory
// or in the store.
func (m *Manager) PropertiesWithExpiredHolds(ctx context.Context, cutoff time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	for _, id := range m.Properties() {
		if len(m.get(id).ExpiredHolds(cutoff)) > 0 {
			seen[id] = struct{}{}
		}
	}
	if m.store != nil {
		stored, err := m.store.PropertiesWithHoldsBefore(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("list properties with expired holds: %w", err)
		}
		for _, id := range stored {
			seen[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) trackRef(ref, propertyID string) {
	m.mu.Lock()
	m.refs[ref] = propertyID
	m.mu.Unlock()
}

func (m *Manager) untrackRef(ref string) {
	m.mu.Lock()
	delete(m.refs, ref)
	m.mu.Unlock()
}

// Tx is the write handle passed to Manager.Update. It is only valid inside the callback.
type Tx struct {
	ctx context.Context
	m   *Manager
	idx *Index
}

func (t *Tx) Index() *Index {
	return t.idx
}

func (t *Tx) IsFree(iv domain.Interval) bool {
	return t.idx.IsFree(iv)
}

func (t *Tx) Conflicts(iv domain.Interval) []domain.Interval {
	return t.idx.Conflicts(iv)
}

// Add stores r and inserts it into the index. Either both happen or neither.
func (t *Tx) Add(r domain.BlockedRange) error {
	if err := t.idx.CheckAdd(r); err != nil {
		var conflict *domain.RangeConflictError
		if errors.As(err, &conflict) {
			t.m.logger.Error("reserved range conflict past property lock",
				zap.String("property_id", conflict.PropertyID),
				zap.String("incoming_ref", conflict.Incoming.SourceRef),
				zap.Stringer("incoming", conflict.Incoming.Interval),
				zap.String("existing_ref", conflict.Existing.SourceRef),
				zap.Stringer("existing", conflict.Existing.Interval),
			)
		}
		return err
	}

	if t.m.store != nil {
		if err := t.m.store.InsertRange(t.ctx, r); err != nil {
			return fmt.Errorf("store range %s: %w", r.SourceRef, err)
		}
	}
	if err := t.idx.Add(r); err != nil {
		return err
	}
	if r.Source.Reserved() {
		t.m.trackRef(r.SourceRef, r.PropertyID)
	}
	return nil
}

// Remove deletes every range carrying ref. Removing an unknown ref reports false.
func (t *Tx) Remove(ref string) (bool, error) {
	if _, ok := t.idx.Find(ref); !ok {
		return false, nil
	}
	if t.m.store != nil {
		if _, err := t.m.store.DeleteBySourceRef(t.ctx, t.idx.propertyID, ref); err != nil {
			return false, fmt.Errorf("delete range %s: %w", ref, err)
		}
	}
	removed := t.idx.Remove(ref)
	t.m.untrackRef(ref)
	return removed, nil
}

// Promote converts the hold carrying ref into a booking without unblocking it.
func (t *Tx) Promote(ref string) (domain.BlockedRange, error) {
	r, ok := t.idx.Find(ref)
	if !ok || !r.Source.Reserved() {
		return domain.BlockedRange{}, fmt.Errorf("%w: %s", domain.ErrBookingNotFound, ref)
	}
	if r.Source == domain.SourceBooking {
		return r, nil
	}
	if t.m.store != nil {
		if err := t.m.store.UpdateSource(t.ctx, t.idx.propertyID, ref, domain.SourceBooking); err != nil {
			return domain.BlockedRange{}, fmt.Errorf("promote hold %s: %w", ref, err)
		}
	}
	return t.idx.Promote(ref)
}

// ReplaceRange moves the reserved range carrying ref to next. The store swap is a single
// write, so a failure leaves the old range blocking in both the store and the index.
func (t *Tx) ReplaceRange(ref string, next domain.BlockedRange) error {
	if err := t.idx.CheckReplace(ref, next); err != nil {
		return err
	}
	if t.m.store != nil {
		if err := t.m.store.ReplaceRange(t.ctx, t.idx.propertyID, ref, next); err != nil {
			return fmt.Errorf("replace range %s: %w", ref, err)
		}
	}
	if err := t.idx.Replace(ref, next); err != nil {
		return err
	}
	if next.SourceRef != ref {
		t.m.untrackRef(ref)
	}
	t.m.trackRef(next.SourceRef, next.PropertyID)
	return nil
}

// ReplaceExternal merges ranges and swaps them in as the property's whole external set.
func (t *Tx) ReplaceExternal(ranges []domain.BlockedRange, at time.Time) ([]domain.BlockedRange, error) {
	return t.swapExternal(ranges, &at)
}

// ExtendExternal adds ranges to the cached external set without advancing the last sync time.
// Used when only some of a property's feeds could be fetched.
func (t *Tx) ExtendExternal(ranges []domain.BlockedRange) ([]domain.BlockedRange, error) {
	union := append(t.idx.External(), ranges...)
	return t.swapExternal(union, nil)
}

func (t *Tx) swapExternal(ranges []domain.BlockedRange, at *time.Time) ([]domain.BlockedRange, error) {
	merged, err := MergeExternal(t.idx.propertyID, ranges)
	if err != nil {
		return nil, err
	}
	if t.m.store != nil {
		if err := t.m.store.ReplaceExternal(t.ctx, t.idx.propertyID, merged, at); err != nil {
			return nil, fmt.Errorf("store external ranges: %w", err)
		}
	}
	t.idx.swapExternal(merged, at)
	return merged, nil
}

// ExpireHolds removes holds created before cutoff and returns them.
func (t *Tx) ExpireHolds(cutoff time.Time) ([]domain.BlockedRange, error) {
	expired := t.idx.ExpiredHolds(cutoff)
	out := make([]domain.BlockedRange, 0, len(expired))
	for _, h := range expired {
		removed, err := t.Remove(h.SourceRef)
		if err != nil {
			return out, err
		}
		if removed {
			out = append(out, h)
		}
	}
	return out, nil
}
