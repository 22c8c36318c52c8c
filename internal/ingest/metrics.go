package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the listener's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	appendDuration *prometheus.HistogramVec
	appendAttempts *prometheus.CounterVec
	reconnects     prometheus.Counter
	checkpoint     prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "relay_events_total", Help: "Contract events handled, by outcome"},
			[]string{"kind", "status"},
		),
		appendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "relay_append_duration_seconds", Help: "Append latency including retries", Buckets: prometheus.DefBuckets},
			[]string{"status"},
		),
		appendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "relay_append_attempts_total", Help: "Individual store append attempts"},
			[]string{"result"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "relay_reconnects_total", Help: "Event subscriptions re-established"},
		),
		checkpoint: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "relay_checkpoint_block", Help: "Highest block fully handled"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.appendDuration, m.appendAttempts, m.reconnects, m.checkpoint)
	}
	return m
}

func (m *Metrics) event(kind, status string) {
	if m != nil {
		m.events.WithLabelValues(kind, status).Inc()
	}
}

func (m *Metrics) appended(status string, d time.Duration) {
	if m != nil {
		m.appendDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

func (m *Metrics) attempt(result string) {
	if m != nil {
		m.appendAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) checkpointed(block uint64) {
	if m != nil {
		m.checkpoint.Set(float64(block))
	}
}
