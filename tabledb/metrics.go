package tabledb

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmcleod/assetledger/storage"
)

const (
	namespace = "assetledger"
	subsystem = "tabledb"
)

// Metrics exposes data layer counters. A nil *Metrics records nothing.
type Metrics struct {
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	throttleWait   prometheus.Histogram
	cacheReads     *prometheus.CounterVec
	backendUp      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		remoteCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "remote_calls_total",
				Help:      "Remote store calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		remoteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "remote_call_duration_seconds",
				Help:      "Latency of remote store calls, throttle wait excluded",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		throttleWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "throttle_wait_seconds",
				Help:      "Time spent waiting for the outbound request spacer",
				Buckets:   []float64{0, .01, .05, .1, .25, .5, 1, 2, 5, 10},
			},
		),
		cacheReads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_reads_total",
				Help:      "Table reads by table and result status",
			},
			[]string{"table", "status"},
		),
		backendUp: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "backend_up",
				Help:      "Whether a connection to the remote store is established (0=no, 1=yes)",
			},
		),
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, storage.ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, storage.ErrAccessDenied):
		return "denied"
	case errors.Is(err, storage.ErrMalformedResponse):
		return "malformed"
	}
	return "error"
}

func (m *Metrics) observeCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(op, outcome(err)).Inc()
	m.remoteDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.throttleWait.Observe(d.Seconds())
}

func (m *Metrics) observeRead(table string, s Status) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(table, s.String()).Inc()
}

func (m *Metrics) setBackendUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.backendUp.Set(1)
	} else {
		m.backendUp.Set(0)
	}
}
