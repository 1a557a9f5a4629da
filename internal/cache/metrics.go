package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports cache activity to Prometheus.
type Metrics struct {
	hits    *prometheus.CounterVec
	misses  prometheus.Counter
	writes  prometheus.Counter
	deletes prometheus.Counter
}

// NewMetrics registers the cache counters on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formsign",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by the tier that served them.",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "formsign",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Reads that missed every tier.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "formsign",
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Successful durable cache writes.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "formsign",
			Subsystem: "cache",
			Name:      "deletes_total",
			Help:      "Key deletions, including pattern and namespace flushes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.writes, m.deletes)
	}
	return m
}
