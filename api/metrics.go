package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertBulkDelete        AlertType = "bulk_delete"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow    = time.Minute
	defaultLoginFailureThreshold = 50
	defaultDeleteWindow          = 5 * time.Minute
	defaultDeleteThreshold       = 25
)

// spikeCounter fires once per spike when threshold events land in window.
type spikeCounter struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	events    []time.Time
}

func (s *spikeCounter) add(now time.Time) (AlertEvent, bool) {
	s.events = trimWindow(append(s.events, now), now, s.window)
	if len(s.events) < s.threshold {
		return AlertEvent{}, false
	}
	ev := AlertEvent{
		Type:      s.alert,
		Message:   s.message,
		Count:     len(s.events),
		Threshold: s.threshold,
		Timestamp: now,
	}
	s.events = s.events[:0]
	return ev, true
}

// alertCollector watches audit events for anomalies.
type alertCollector struct {
	now     func() time.Time
	alertFn AlertFunc

	mu      sync.Mutex
	logins  spikeCounter
	deletes spikeCounter
}

func newAlertCollector(alertFn AlertFunc, now func() time.Time) *alertCollector {
	return &alertCollector{
		now:     now,
		alertFn: alertFn,
		logins: spikeCounter{
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		deletes: spikeCounter{
			alert:     AlertBulkDelete,
			message:   "row deletion rate exceeds threshold",
			window:    defaultDeleteWindow,
			threshold: defaultDeleteThreshold,
		},
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *alertCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var c *spikeCounter
	switch event {
	case AuditLoginFailure:
		c = &m.logins
	case AuditRowDeleted:
		c = &m.deletes
	default:
		return
	}

	m.mu.Lock()
	ev, fire := c.add(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(ev)
	}
}
