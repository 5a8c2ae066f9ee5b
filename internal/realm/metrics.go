package realm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for realm authentication.
//
// Methods handle a nil receiver, so a nil *Metrics disables metrics.
type Metrics struct {
	// Authentications counts authentication attempts by outcome.
	// Labels: realm, mechanism, result=[success, denied, error]
	Authentications *prometheus.CounterVec

	// Duration observes authentication time including group loading.
	// Labels: realm, mechanism
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the realm metrics and registers them with registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Authentications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realm_authentications_total",
				Help: "Total authentication attempts by realm, mechanism and result",
			},
			[]string{"realm", "mechanism", "result"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realm_authentication_duration_seconds",
				Help:    "Authentication duration in seconds, including group loading",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"realm", "mechanism"},
		),
	}

	registerer.MustRegister(m.Authentications, m.Duration)
	return m
}

// RecordAuthentication records the outcome and duration of one attempt.
func (m *Metrics) RecordAuthentication(realmName string, mechanism Mechanism, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Authentications.WithLabelValues(realmName, string(mechanism), result).Inc()
	m.Duration.WithLabelValues(realmName, string(mechanism)).Observe(duration.Seconds())
}
