package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxySelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_selections_total",
			Help: "Total number of proxy selections",
		},
		[]string{"result"},
	)

	proxyUsageReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_usage_reports_total",
			Help: "Total number of proxy usage reports",
		},
		[]string{"outcome"},
	)

	proxyHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_health_checks_total",
			Help: "Total number of proxy health checks",
		},
		[]string{"status"},
	)

	proxyCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_check_duration_seconds",
			Help:    "Duration of full pool health check rounds in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	proxyResponseTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_response_time_seconds",
			Help:    "Response time of successful proxy probes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	poolSizeGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_pool_size",
			Help: "Current number of proxies in the pool",
		},
	)

	workingProxiesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_pool_working",
			Help: "Current number of proxies with a passing health check",
		},
	)

	proxiesEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_evictions_total",
			Help: "Total number of proxies evicted for failures",
		},
	)

	proxiesImportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_imports_total",
			Help: "Total number of proxies added via bulk import",
		},
	)
)

func recordSelection(result string) {
	proxySelectionsTotal.WithLabelValues(result).Inc()
}

func recordUsageReport(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	proxyUsageReportsTotal.WithLabelValues(outcome).Inc()
}

func recordHealthCheck(status string) {
	proxyHealthChecksTotal.WithLabelValues(status).Inc()
}

func recordCheckDuration(seconds float64) {
	proxyCheckDuration.Observe(seconds)
}

func recordResponseTime(seconds float64) {
	proxyResponseTime.Observe(seconds)
}

func setPoolGauges(total, working int) {
	poolSizeGauge.Set(float64(total))
	workingProxiesGauge.Set(float64(working))
}

func recordEvictions(n int) {
	proxiesEvictedTotal.Add(float64(n))
}

func recordImports(n int) {
	proxiesImportedTotal.Add(float64(n))
}
