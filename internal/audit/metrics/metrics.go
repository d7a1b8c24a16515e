package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the audit trail. Construct once
// in main; services accept a nil *Metrics and skip instrumentation, which
// keeps unit tests free of global registry collisions.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	WriteDuration     prometheus.Histogram
	PublishDropped    prometheus.Counter
	PublishFailures   prometheus.Counter
	StreamConnected   prometheus.Gauge
	RetentionEligible prometheus.Gauge
	ScanFindings      *prometheus.CounterVec
}

// New creates and registers all audit metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Total number of audit events accepted into the ledger",
		}, []string{"event_type", "outcome"}),
		WriteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_log_duration_seconds",
			Help:    "Audit ledger write duration",
			Buckets: prometheus.DefBuckets,
		}),
		PublishDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_stream_dropped_total",
			Help: "Events dropped by the stream publisher while disconnected",
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_stream_failures_total",
			Help: "Stream publish attempts that failed or timed out",
		}),
		StreamConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "audit_stream_connected",
			Help: "Stream broker connectivity (1=connected, 0=disconnected)",
		}),
		RetentionEligible: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "audit_retention_eligible_records",
			Help: "Records past the retention horizon awaiting cold-storage export",
		}),
		ScanFindings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_scan_findings_total",
			Help: "Suspicious-activity findings raised by the anomaly scanner",
		}, []string{"type"}),
	}
}

// IncEvent counts one accepted event.
func (m *Metrics) IncEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveWrite records a ledger write duration in seconds.
func (m *Metrics) ObserveWrite(seconds float64) {
	if m == nil {
		return
	}
	m.WriteDuration.Observe(seconds)
}

// IncPublishDropped counts an event dropped while the broker was down.
func (m *Metrics) IncPublishDropped() {
	if m == nil {
		return
	}
	m.PublishDropped.Inc()
}

// IncPublishFailure counts a failed publish attempt.
func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// SetStreamConnected records broker connectivity.
func (m *Metrics) SetStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}

// SetRetentionEligible records the archival backlog size.
func (m *Metrics) SetRetentionEligible(n int) {
	if m == nil {
		return
	}
	m.RetentionEligible.Set(float64(n))
}

// IncFinding counts one scanner finding by type.
func (m *Metrics) IncFinding(findingType string) {
	if m == nil {
		return
	}
	m.ScanFindings.WithLabelValues(findingType).Inc()
}
