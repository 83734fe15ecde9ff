package availability

import (
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
)

// Locker serialises work on a single property. Lock blocks until the lock is held, the context
// ends, or the implementation's wait bound elapses (a *domain.LockTimeoutError). The returned
// func releases the lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, propertyID string) (func(), error)
}

// LocalLocker is an in-process Locker with one single-slot semaphore per property.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{}), wait: wait}
}

func (l *LocalLocker) slot(propertyID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[propertyID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[propertyID] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, propertyID string) (func(), error) {
	ch := l.slot(propertyID)

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, &domain.LockTimeoutError{PropertyID: propertyID, Waited: l.wait}
	}
}

// ChainLocker takes every locker in order and releases them in reverse. It lets a process
// queue its own callers locally before contending on a shared lock.
type ChainLocker []Locker

func (c ChainLocker) Lock(ctx context.Context, propertyID string) (func(), error) {
	releases := make([]func(), 0, len(c))
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		unlock, err := l.Lock(ctx, propertyID)
		if err != nil {
			release()
			return nil, err
		}
		releases = append(releases, unlock)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
