// Package backoff locks keys out with exponential backoff after repeated
// events, such as failed logins per identity or requests per client IP.
package backoff

import (
	"sync"
	"time"
)

// Policy describes when a key gets locked out and for how long.
type Policy struct {
	// Threshold is the number of recorded events before lockout begins.
	Threshold int
	Base      time.Duration
	Max       time.Duration
	// Expiry is how long after the last event a record is forgotten.
	Expiry time.Duration
}

// LockoutFor returns Base * 2^(count-Threshold), capped at Max.
func (p Policy) LockoutFor(count int) time.Duration {
	d := p.Base
	for i := 0; i < count-p.Threshold; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

type record struct {
	count       int
	last        time.Time
	lockedUntil time.Time
}

// Limiter counts events per key and locks a key out once the policy
// threshold is reached. It is safe for concurrent use.
type Limiter struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

// New returns a Limiter. A nil now uses time.Now.
func New(p Policy, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{policy: p, now: now, records: make(map[string]*record)}
}

// Check reports whether key is locked out and for how much longer.
func (l *Limiter) Check(key string) (blocked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return false, 0
	}
	now := l.now()
	if now.Sub(rec.last) > l.policy.Expiry {
		delete(l.records, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// Record counts one event for key.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}
	now := l.now()
	rec.count++
	rec.last = now
	if rec.count >= l.policy.Threshold {
		rec.lockedUntil = now.Add(l.policy.LockoutFor(rec.count))
	}
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
}

// Sweep drops records whose last event is older than the policy expiry.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, rec := range l.records {
		if now.Sub(rec.last) > l.policy.Expiry {
			delete(l.records, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
