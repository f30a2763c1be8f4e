// Package session issues and validates opaque bearer tokens for
// authenticated users. Tokens live only in process memory and expire after
// a sliding window of inactivity.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/assetledger/internal/util"
)

const (
	// DefaultTTL is how long a token stays valid after its last use.
	DefaultTTL = 12 * time.Hour
	// TokenBytes is the amount of randomness in a token.
	TokenBytes = 32

	defaultSweepInterval = 5 * time.Minute
)

// Identity is what a valid token resolves to.
type Identity struct {
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store abstracts token issue and validation.
type Store interface {
	// Issue creates a token for subject.
	Issue(subject, role string) (string, error)
	// Validate resolves token and pushes its expiry forward. It returns
	// false for unknown or expired tokens; expired tokens are removed.
	Validate(token string) (Identity, bool)
	// Revoke removes token. Revoking an unknown token is a no-op.
	Revoke(token string)
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	data map[string]Identity

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithTTL sets the sliding expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(s *MemoryStore) {
		s.ttl = ttl
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		ttl:    DefaultTTL,
		now:    time.Now,
		data:   make(map[string]Identity),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Issue(subject, role string) (string, error) {
	token, err := util.RandomToken(TokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}

	s.mu.Lock()
	s.data[token] = Identity{Subject: subject, Role: role, ExpiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Validate(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.data[token]
	if !ok {
		return Identity{}, false
	}
	now := s.now()
	if now.After(id.ExpiresAt) {
		delete(s.data, token)
		return Identity{}, false
	}
	if next := now.Add(s.ttl); next.After(id.ExpiresAt) {
		id.ExpiresAt = next
		s.data[token] = id
	}
	return id, true
}

func (s *MemoryStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
}

// Len returns the number of stored tokens, expired ones included until
// they are swept or looked up.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Sweep removes expired tokens and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for token, id := range s.data {
		if now.After(id.ExpiresAt) {
			delete(s.data, token)
			n++
		}
	}
	return n
}

// StartJanitor sweeps expired tokens every interval until Close is called.
// An interval of zero uses a five minute default.
func (s *MemoryStore) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Close stops the janitor.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Restore resolves a session from the token the client already holds
// (stateToken, usually a cookie) or, failing that, from a token carried in
// the URL. It returns the token that validated so the caller can promote a
// URL token into client state.
func Restore(s Store, stateToken, urlToken string) (Identity, string, bool) {
	if id, ok := s.Validate(stateToken); ok {
		return id, stateToken, true
	}
	if urlToken != "" && urlToken != stateToken {
		if id, ok := s.Validate(urlToken); ok {
			return id, urlToken, true
		}
	}
	return Identity{}, "", false
}
