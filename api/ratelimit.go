package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/assetledger/internal/backoff"
)

var (
	// Failed logins per source IP.
	loginIPPolicy = backoff.Policy{Threshold: 20, Base: time.Minute, Max: 30 * time.Minute, Expiry: time.Hour}
	// Registrations per source IP. Every request counts, not just failures,
	// since each one costs a password hash and a remote write.
	registerIPPolicy = backoff.Policy{Threshold: 5, Base: 5 * time.Minute, Max: time.Hour, Expiry: time.Hour}
)

// windowLimiter locks everyone out for a while once max events fall inside
// a sliding window.
type windowLimiter struct {
	window  time.Duration
	max     int
	lockout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	events      []time.Time
	lockedUntil time.Time
}

func newWindowLimiter(window time.Duration, max int, lockout time.Duration, now func() time.Time) *windowLimiter {
	return &windowLimiter{window: window, max: max, lockout: lockout, now: now}
}

func (l *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.lockedUntil) {
		return true, l.lockedUntil.Sub(now)
	}
	return false, 0
}

func (l *windowLimiter) record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.events = trimWindow(append(l.events, now), now, l.window)
	if len(l.events) >= l.max {
		l.lockedUntil = now.Add(l.lockout)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP returns the address used for rate limiting.
//
// Proxy headers are honoured only when the direct peer falls inside one of
// trusted; otherwise RemoteAddr is used. Header priority is X-Forwarded-For,
// then Forwarded, then X-Real-IP.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	remote, _ := parseIPCandidate(r.RemoteAddr)
	if !peerTrusted(remote, trusted) {
		return remote
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for _, elem := range strings.Split(fwd, ",") {
			for _, param := range strings.Split(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remote
}

func peerTrusted(remote string, trusted []netip.Prefix) bool {
	if remote == "" || len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
