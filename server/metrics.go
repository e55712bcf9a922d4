package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "HTTP requests served, by route, method and status.",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_http_request_seconds",
		Help:    "HTTP request latency, by route and method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	admissionVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_admission_total",
		Help: "Admission decisions, by operation and verdict.",
	}, []string{"operation", "verdict"})

	sessionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Payment session outcomes.",
	}, []string{"result"})
)

func observeAdmission(op Operation, verdict string) {
	admissionVerdicts.WithLabelValues(string(op), verdict).Inc()
}

func observeSession(result string) {
	sessionResults.WithLabelValues(result).Inc()
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with the request counter and latency histogram
// for one route.
func instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		handler(rec, r)

		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	}
}
