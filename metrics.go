package ruledns

import (
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics exported by this package. It can be served with
// promhttp.HandlerFor.
var Registry = prometheus.NewRegistry()

var metrics = newMetrics(Registry)

type engineMetrics struct {
	cacheHit          *prometheus.CounterVec
	cacheMiss         *prometheus.CounterVec
	cacheEntries      *prometheus.GaugeVec
	upstreamQueries   *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	upstreamResponses *prometheus.CounterVec
	tableResults      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		cacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruledns",
			Subsystem: "cache",
			Name:      "hit_total",
			Help:      "Number of queries answered from the cache.",
		}, []string{"cache"}),
		cacheMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruledns",
			Subsystem: "cache",
			Name:      "miss_total",
			Help:      "Number of queries not found in the cache.",
		}, []string{"cache"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ruledns",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached responses.",
		}, []string{"cache"}),
		upstreamQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruledns",
			Subsystem: "upstream",
			Name:      "query_total",
			Help:      "Number of queries sent to an upstream.",
		}, []string{"upstream"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruledns",
			Subsystem: "upstream",
			Name:      "error_total",
			Help:      "Number of failed upstream queries by error kind.",
		}, []string{"upstream", "kind"}),
		upstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruledns",
			Subsystem: "upstream",
			Name:      "response_total",
			Help:      "Number of upstream responses by response code.",
		}, []string{"upstream", "rcode"}),
		tableResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruledns",
			Subsystem: "table",
			Name:      "result_total",
			Help:      "Outcome of rule table evaluations.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.cacheHit,
		m.cacheMiss,
		m.cacheEntries,
		m.upstreamQueries,
		m.upstreamErrors,
		m.upstreamResponses,
		m.tableResults,
	)
	return m
}

func (m *engineMetrics) upstreamQuery(id string) {
	m.upstreamQueries.WithLabelValues(id).Inc()
}

func (m *engineMetrics) upstreamError(id string, err error) {
	m.upstreamErrors.WithLabelValues(id, errorLabel(err)).Inc()
}

func (m *engineMetrics) upstreamResponse(id string, a *dns.Msg) {
	if a == nil {
		return
	}
	m.upstreamResponses.WithLabelValues(id, rCode(a)).Inc()
}

func (m *engineMetrics) tableResult(err error) {
	if err == nil {
		m.tableResults.WithLabelValues("ok").Inc()
		return
	}
	m.tableResults.WithLabelValues(errorLabel(err)).Inc()
}

func errorLabel(err error) string {
	if kind := ErrorKind(err); kind != 0 {
		return kind.String()
	}
	return "other"
}
