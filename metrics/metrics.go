package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "questionpool", Name: "http_requests_total", Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "questionpool", Name: "http_request_duration_seconds", Help: "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "questionpool", Name: "question_transitions_total", Help: "Question status transitions by target status and outcome",
	}, []string{"to", "outcome"})
	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "questionpool", Name: "notification_failures_total", Help: "Notifications that could not be stored or pushed",
	})
	MediaReleaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "questionpool", Name: "media_release_failures_total", Help: "Media objects that could not be deleted",
	})
	LiveClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "questionpool", Name: "live_clients", Help: "Connected notification websocket clients",
	})
)

func init() {
	prometheus.MustRegister(HTTPRequests, HTTPDuration, Transitions, NotificationFailures, MediaReleaseFailures, LiveClients)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveRequest(method, route, status string, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveTransition records the outcome ("ok", "conflict", "forbidden", ...) of a move to status to.
func ObserveTransition(to, outcome string) {
	Transitions.WithLabelValues(to, outcome).Inc()
}
