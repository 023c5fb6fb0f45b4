package store

import (
	"context"
	"sync"
	"time"
)

const (
	lockoutWindow    = 15 * time.Minute
	lockoutThreshold = 5
	lockoutDuration  = 15 * time.Minute
)

type lockoutEntry struct {
	failures []time.Time
	until    time.Time
}

// Lockout tracks authentication failures per key. Keys are whatever the
// caller authenticates by: a credential ID, a pairing code, or an
// ssh:<ip> string. Purely in-memory; a restart clears it.
type Lockout struct {
	mu      sync.Mutex
	entries map[string]*lockoutEntry
	now     func() time.Time
}

func NewLockout() *Lockout {
	return &Lockout{
		entries: make(map[string]*lockoutEntry),
		now:     time.Now,
	}
}

// Fail records a failure. Once the rolling 15-minute window holds five
// failures the key locks for 15 minutes.
func (l *Lockout) Fail(key string) (locked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entries[key]
	if e == nil {
		e = &lockoutEntry{}
		l.entries[key] = e
	}
	e.failures = append(e.failures, now)
	e.failures = pruneBefore(e.failures, now.Add(-lockoutWindow))
	if len(e.failures) >= lockoutThreshold {
		e.until = now.Add(lockoutDuration)
	}
	if e.until.After(now) {
		return true, e.until.Sub(now)
	}
	return false, 0
}

// Success clears all failure state for the key.
func (l *Lockout) Success(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// IsLocked reports whether the key is locked out and for how much
// longer. Expired lockouts are cleared lazily.
func (l *Lockout) IsLocked(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[key]
	if e == nil {
		return false, 0
	}
	now := l.now()
	if e.until.After(now) {
		return true, e.until.Sub(now)
	}
	e.failures = pruneBefore(e.failures, now.Add(-lockoutWindow))
	if len(e.failures) == 0 && !e.until.After(now) {
		delete(l.entries, key)
	}
	return false, 0
}

// Sweep garbage-collects stale entries every window until ctx is done.
func (l *Lockout) Sweep(ctx context.Context) {
	t := time.NewTicker(lockoutWindow)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sweepOnce()
		}
	}
}

func (l *Lockout) sweepOnce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-lockoutWindow)
	for key, e := range l.entries {
		e.failures = pruneBefore(e.failures, cutoff)
		if len(e.failures) == 0 && !e.until.After(now) {
			delete(l.entries, key)
		}
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
