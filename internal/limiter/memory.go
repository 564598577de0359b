package limiter

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process failure limiter: maxFails consecutive failures
// within window block the key for blockFor. A zero blockFor blocks until Success.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
	byKey    map[string]*failState
}

type failState struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
	blocked      bool
}

// NewMemory constructs an in-memory failure limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	if maxFails <= 0 {
		maxFails = 1
	}
	return &Memory{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
		byKey:    make(map[string]*failState),
	}
}

// Allow reports whether attempts are currently allowed for key and a retry-after duration.
func (l *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.byKey[key]
	if !ok || !st.blocked {
		return true, 0, nil
	}
	if l.blockFor == 0 {
		return false, 0, nil
	}
	now := l.now()
	if st.blockedUntil.After(now) {
		return false, st.blockedUntil.Sub(now), nil
	}
	delete(l.byKey, key)
	return true, 0, nil
}

// Success resets counters for key.
func (l *Memory) Success(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.byKey, key)
	l.mu.Unlock()
	return nil
}

// Failure records a failed attempt and reports whether key is now blocked.
func (l *Memory) Failure(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	st, ok := l.byKey[key]
	if !ok {
		st = &failState{}
		l.byKey[key] = st
	}
	if l.window > 0 && !st.updatedAt.IsZero() && now.Sub(st.updatedAt) > l.window {
		st.fails = 0
	}
	st.fails++
	st.updatedAt = now
	if st.fails >= l.maxFails {
		st.blocked = true
		st.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
