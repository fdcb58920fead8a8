package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records edge + admin API latency by method/route/status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kiwi",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// ProxyRequestsTotal counts subdomain-proxied requests by service and status.
var ProxyRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kiwi",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of requests forwarded to a service container.",
	},
	[]string{"service", "status"},
)

// ServicesRunning tracks the number of services with a running container.
var ServicesRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "kiwi",
		Subsystem: "services",
		Name:      "running",
		Help:      "Number of services currently reconciled to a running container.",
	},
)

// CertificateRenewalsTotal counts ACME finalize outcomes.
var CertificateRenewalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kiwi",
		Subsystem: "acme",
		Name:      "renewals_total",
		Help:      "Total number of ACME certificate renewal attempts by outcome.",
	},
	[]string{"outcome"},
)

// DynamicDNSUpdatesTotal counts dynamic DNS push attempts by outcome.
var DynamicDNSUpdatesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kiwi",
		Subsystem: "ddns",
		Name:      "updates_total",
		Help:      "Total number of dynamic DNS record updates by outcome.",
	},
	[]string{"outcome"},
)

// All returns every kiwi-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ProxyRequestsTotal,
		ServicesRunning,
		CertificateRenewalsTotal,
		DynamicDNSUpdatesTotal,
	}
}
