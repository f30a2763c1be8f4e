package tabledb

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/assetledger/storage"
)

func TestMetrics_RecordsRemoteCallsAndReads(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	rb := newRecording()
	clock := newFakeClock()
	e := New(
		Connected(rb, WithHandleMetrics(m)),
		WithCache(NewCache(WithClock(clock.Now), WithCacheMetrics(m))),
	)
	ctx := context.Background()

	require.NoError(t, e.Append(ctx, Categories, storage.Row{"CAT-1", "Laptops"}))
	_, err := e.ReadAll(ctx, Categories)
	require.NoError(t, err)
	_, err = e.ReadAll(ctx, Categories)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendUp))
	// The header write and the row itself.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("append", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheReads.WithLabelValues(Categories, "fresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheReads.WithLabelValues(Categories, "cached")))

	rb.failOn("ReadAll", storage.ErrQuotaExceeded)
	e.Invalidate(Categories)
	snap, err := e.ReadAll(ctx, Categories)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, snap.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("read_all", "quota")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheReads.WithLabelValues(Categories, "stale")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.observeCall("append", 0, nil)
	m.observeWait(0)
	m.observeRead("T", StatusFresh)
	m.setBackendUp(true)
}
