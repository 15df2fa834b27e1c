package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	ConnectionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_connection_transitions_total",
			Help: "Connection lifecycle transitions recorded by the session manager.",
		},
		[]string{"state"},
	)

	HandshakeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wa_handshake_duration_seconds",
			Help:    "Time from dial to an open connection.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_messages_sent_total",
			Help: "Outbound message sends by outcome.",
		},
		[]string{"outcome"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	// MustCurryWith on a HistogramVec returns ObserverVec; assert back.
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		ConnectionTransitionsTotal,
		HandshakeDurationSeconds,
		MessagesSentTotal,
	)
}
