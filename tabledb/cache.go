package tabledb

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/assetledger/storage"
)

// DefaultTTL is how long a fetched snapshot is served without a remote read.
const DefaultTTL = 60 * time.Second

// Status says where a snapshot came from.
type Status int

const (
	// StatusFresh means the rows were fetched for this read.
	StatusFresh Status = iota
	// StatusCached means the rows came from a live cache entry.
	StatusCached
	// StatusStale means the remote store refused the read and the last
	// good snapshot was returned instead.
	StatusStale
	// StatusUnavailable means the remote store refused the read and no
	// earlier snapshot exists; the snapshot has no rows.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusCached:
		return "cached"
	case StatusStale:
		return "stale"
	case StatusUnavailable:
		return "unavailable"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Snapshot is the content of one table as of FetchedAt.
type Snapshot struct {
	Table  string
	Header storage.Row
	// Rows excludes the header. Every row is padded to the header width.
	Rows      []storage.Row
	FetchedAt time.Time
	Status    Status
}

// Degraded reports whether the snapshot may not reflect the remote table.
func (s Snapshot) Degraded() bool {
	return s.Status == StatusStale || s.Status == StatusUnavailable
}

// Len returns the number of data rows.
func (s Snapshot) Len() int { return len(s.Rows) }

// Field returns the value of field in the row at index, or "" when either
// is out of range.
func (s Snapshot) Field(index int, field string) string {
	col := -1
	for i, h := range s.Header {
		if h == field {
			col = i
			break
		}
	}
	if col < 0 || index < 0 || index >= len(s.Rows) || col >= len(s.Rows[index]) {
		return ""
	}
	return s.Rows[index][col]
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Header = s.Header.Clone()
	out.Rows = make([]storage.Row, len(s.Rows))
	for i, r := range s.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// FetchFunc reads a table from the remote store. It fills Header and Rows.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// cacheEntry is immutable once stored.
type cacheEntry struct {
	snap    Snapshot
	expired bool
}

// Cache is a read-through cache of table snapshots.
//
// A live entry younger than the TTL is served without a remote call.
// Invalidate expires an entry but keeps it as the fallback served when the
// remote store reports a quota error. Concurrent misses for one table share
// a single fetch, and a fetch that began before an invalidation never
// repopulates the cache.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	gens    map[string]uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL sets how long snapshots are served from memory.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithCacheLogger sets the logger used for degraded reads.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheMetrics records read statuses.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache returns an empty Cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
		gens:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "tabledb.cache")
	return c
}

// Read returns the snapshot of table, calling fetch when no live entry
// exists. A quota error from fetch is never returned: the last good
// snapshot comes back as StatusStale, or an empty one as
// StatusUnavailable. Other fetch errors are returned and nothing is cached.
func (c *Cache) Read(ctx context.Context, table string, fetch FetchFunc) (Snapshot, error) {
	now := c.now()
	c.mu.RLock()
	e := c.entries[table]
	gen := c.gens[table]
	c.mu.RUnlock()

	if e != nil && !e.expired && now.Sub(e.snap.FetchedAt) < c.ttl {
		snap := e.snap.clone()
		snap.Status = StatusCached
		c.metrics.observeRead(table, snap.Status)
		return snap, nil
	}

	// The fetch is shared, so it must outlive any one caller's context.
	ch := c.group.DoChan(table+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		snap, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		snap.Table = table
		snap.FetchedAt = c.now()
		snap.Status = StatusFresh
		c.mu.Lock()
		if c.gens[table] == gen {
			c.entries[table] = &cacheEntry{snap: snap}
		}
		c.mu.Unlock()
		return snap, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	err := res.Err
	if err == nil {
		snap := res.Val.(Snapshot).clone()
		c.metrics.observeRead(table, snap.Status)
		return snap, nil
	}
	if !storage.IsTransient(err) {
		return Snapshot{}, err
	}

	c.mu.RLock()
	e = c.entries[table]
	c.mu.RUnlock()
	if e != nil {
		snap := e.snap.clone()
		snap.Status = StatusStale
		c.logger.Warn("quota exceeded, serving last good snapshot",
			"table", table, "age", now.Sub(snap.FetchedAt).Round(time.Second), "error", err)
		c.metrics.observeRead(table, snap.Status)
		return snap, nil
	}
	c.logger.Warn("quota exceeded and no snapshot cached", "table", table, "error", err)
	c.metrics.observeRead(table, StatusUnavailable)
	return Snapshot{Table: table, Rows: []storage.Row{}, FetchedAt: now, Status: StatusUnavailable}, nil
}

// Invalidate expires the entry for table. The expired snapshot is kept only
// as the quota fallback.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[table]++
	if e, ok := c.entries[table]; ok {
		c.entries[table] = &cacheEntry{snap: e.snap, expired: true}
	}
}
