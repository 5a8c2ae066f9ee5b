package ldap

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics tracks Prometheus metrics for directory search caches.
//
// Metrics carry a "cache" label naming the cache (typically the realm and
// searcher it belongs to). Methods handle a nil receiver, so a nil
// *CacheMetrics disables metrics.
type CacheMetrics struct {
	// Lookups counts cache lookups by result.
	// Labels: cache, result=[hit, miss, wait]
	Lookups *prometheus.CounterVec

	// Evictions counts removed entries by reason.
	// Labels: cache, reason=[expired, capacity, manual]
	Evictions *prometheus.CounterVec

	// Entries tracks the number of live entries.
	Entries *prometheus.GaugeVec
}

// NewCacheMetrics creates the cache metrics and registers them with registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewCacheMetrics(registerer prometheus.Registerer) *CacheMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &CacheMetrics{
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realm_search_cache_lookups_total",
				Help: "Total directory search cache lookups by result",
			},
			[]string{"cache", "result"},
		),
		Evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realm_search_cache_evictions_total",
				Help: "Total directory search cache evictions by reason",
			},
			[]string{"cache", "reason"},
		),
		Entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realm_search_cache_entries",
				Help: "Current number of entries in the directory search cache",
			},
			[]string{"cache"},
		),
	}

	registerer.MustRegister(m.Lookups, m.Evictions, m.Entries)
	return m
}

func (m *CacheMetrics) lookup(cache, result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(cache, result).Inc()
}

func (m *CacheMetrics) evicted(cache, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.WithLabelValues(cache, reason).Add(float64(n))
}

func (m *CacheMetrics) entries(cache string, n int) {
	if m == nil {
		return
	}
	m.Entries.WithLabelValues(cache).Set(float64(n))
}
