package tabledb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmcleod/assetledger/storage"
)

// Dialer opens a connection to the remote store.
type Dialer func(ctx context.Context) (storage.Backend, error)

// Handle owns the process's connection to the remote store. The connection
// is established lazily on first use; a failed dial is not cached, so the
// next call tries again.
type Handle struct {
	dial     Dialer
	throttle *Throttle
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	raw      storage.Backend
	backend  storage.Backend
	reported bool
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithThrottle spaces every call made through the handle's backend.
func WithThrottle(t *Throttle) HandleOption {
	return func(h *Handle) {
		h.throttle = t
	}
}

// WithHandleMetrics records remote calls and connection state.
func WithHandleMetrics(m *Metrics) HandleOption {
	return func(h *Handle) {
		h.metrics = m
	}
}

// WithHandleLogger sets the logger for connection failures.
func WithHandleLogger(logger *slog.Logger) HandleOption {
	return func(h *Handle) {
		h.logger = logger
	}
}

// NewHandle returns a Handle that dials with dial on first use.
func NewHandle(dial Dialer, opts ...HandleOption) *Handle {
	h := &Handle{dial: dial}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "tabledb.handle")
	return h
}

// Connected returns a Handle over an already established backend.
func Connected(b storage.Backend, opts ...HandleOption) *Handle {
	return NewHandle(func(context.Context) (storage.Backend, error) { return b, nil }, opts...)
}

// Backend returns the throttled backend, dialing if necessary. Dial failures
// are reported as storage.ErrBackendUnavailable.
func (h *Handle) Backend(ctx context.Context) (storage.Backend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backend != nil {
		return h.backend, nil
	}

	b, err := h.dial(ctx)
	if err == nil && b == nil {
		err = errors.New("dialer returned no backend")
	}
	if err != nil {
		if !errors.Is(err, storage.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
		}
		h.metrics.setBackendUp(false)
		if !h.reported {
			h.reported = true
			h.logger.Error("remote store unavailable", "error", err)
		} else {
			h.logger.Debug("remote store still unavailable", "error", err)
		}
		return nil, err
	}

	if h.reported {
		h.logger.Info("remote store connected")
		h.reported = false
	}
	h.raw = b
	h.backend = Throttled(b, h.throttle, h.metrics)
	h.metrics.setBackendUp(true)
	return h.backend, nil
}

// Available reports whether a connection is established or can be
// established now.
func (h *Handle) Available(ctx context.Context) bool {
	_, err := h.Backend(ctx)
	return err == nil
}

// Close releases the underlying backend if it holds resources. The handle
// dials again on next use.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	raw := h.raw
	h.raw, h.backend = nil, nil
	switch c := raw.(type) {
	case interface{ Close() error }:
		return c.Close()
	case interface{ Close() }:
		c.Close()
	}
	return nil
}
