// Package lock serializes work on a single calendar or source event.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy reports that the lock was held for the whole bounded wait. Callers
// treat it as "another run is in progress" and skip.
var ErrBusy = errors.New("lock: busy")

// Locker acquires a named mutual-exclusion lock. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Keyed is an in-process keyed mutex with a bounded wait.
type Keyed struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*Keyed)(nil)

// NewKeyed returns a keyed mutex. A non-positive wait makes Acquire fail
// immediately when the key is held.
func NewKeyed(wait time.Duration) *Keyed {
	return &Keyed{wait: wait, slots: make(map[string]*slot)}
}

func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	s := k.get(key)

	if k.wait <= 0 {
		select {
		case s.ch <- struct{}{}:
			return k.releaser(key, s), nil
		default:
			k.put(key, s)
			return nil, ErrBusy
		}
	}

	timer := time.NewTimer(k.wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		return k.releaser(key, s), nil
	case <-timer.C:
		k.put(key, s)
		return nil, ErrBusy
	case <-ctx.Done():
		k.put(key, s)
		return nil, ctx.Err()
	}
}

// Held reports whether key is currently locked.
func (k *Keyed) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	return ok && len(s.ch) > 0
}

func (k *Keyed) get(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) put(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

func (k *Keyed) releaser(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.put(key, s)
		})
	}
}
