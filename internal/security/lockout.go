// Package security holds brute-force protection for knock verification.
package security

import (
	"sync"
	"time"
)

// busyRetry is the wait suggested to a caller turned away because every
// remaining attempt before a lock is already in flight.
const busyRetry = time.Second

// Lockout locks a key after too many consecutive failures. A success clears
// the key's failure count; failures older than the lock duration are
// forgotten.
//
// Callers reserve an attempt with Attempt and settle it with exactly one of
// Failure, Success or Release. Reserved attempts count against the failure
// budget, so concurrent guesses cannot outrun the lock.
type Lockout struct {
	mu          sync.Mutex
	failures    map[string]*failureRecord
	maxFailures int
	lockFor     time.Duration
	now         func() time.Time
}

type failureRecord struct {
	count       int
	pending     int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewLockout returns a Lockout, or nil when maxFailures is not positive.
// A nil *Lockout never locks.
func NewLockout(maxFailures int, lockFor time.Duration) *Lockout {
	if maxFailures <= 0 {
		return nil
	}
	return &Lockout{
		failures:    make(map[string]*failureRecord),
		maxFailures: maxFailures,
		lockFor:     lockFor,
		now:         time.Now,
	}
}

// Locked reports whether key is locked and for how much longer.
func (l *Lockout) Locked(key string) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[key]
	if !ok {
		return false, 0
	}
	if remaining := rec.lockedUntil.Sub(l.now()); remaining > 0 {
		return true, remaining
	}
	return false, 0
}

// Attempt reserves one attempt on key. It refuses while key is locked, and
// while failures plus attempts in flight already reach the limit; retry is
// how long to wait before asking again.
func (l *Lockout) Attempt(key string) (allowed bool, retry time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	rec, ok := l.failures[key]
	if !ok {
		rec = &failureRecord{}
		l.failures[key] = rec
	}
	if remaining := rec.lockedUntil.Sub(now); remaining > 0 {
		return false, remaining
	}
	if rec.count > 0 && now.Sub(rec.lastFailed) > l.lockFor {
		rec.count = 0
	}
	if rec.count+rec.pending >= l.maxFailures {
		return false, busyRetry
	}
	rec.pending++
	return true, 0
}

// Failure records a failed attempt and reports whether it locked key.
func (l *Lockout) Failure(key string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	rec, ok := l.failures[key]
	if !ok {
		rec = &failureRecord{}
		l.failures[key] = rec
	}
	rec.settle()
	if now.Sub(rec.lastFailed) > l.lockFor {
		rec.count = 0
	}
	rec.count++
	rec.lastFailed = now

	if rec.count >= l.maxFailures {
		rec.lockedUntil = now.Add(l.lockFor)
		rec.count = 0
		return true
	}
	return false
}

// Success clears key's failure count. A lock already in force stays until
// it expires.
func (l *Lockout) Success(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[key]
	if !ok {
		return
	}
	rec.settle()
	rec.count = 0
	if rec.pending == 0 && !rec.lockedUntil.After(l.now()) {
		delete(l.failures, key)
	}
}

// Release gives back an attempt reserved with Attempt that ended without a
// verdict.
func (l *Lockout) Release(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.failures[key]; ok {
		rec.settle()
	}
}

func (r *failureRecord) settle() {
	if r.pending > 0 {
		r.pending--
	}
}

// prune drops records that are neither locked, recent nor in flight.
// Caller holds l.mu.
func (l *Lockout) prune(now time.Time) {
	for key, rec := range l.failures {
		if rec.pending == 0 && now.After(rec.lockedUntil) && now.Sub(rec.lastFailed) > l.lockFor {
			delete(l.failures, key)
		}
	}
}
