// Package metrics owns the Prometheus registry and the collectors shared by the HTTP layer and
// the domain services.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "libradmin"

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	accountsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accounts",
			Name:      "created_total",
			Help:      "User accounts created, by role.",
		},
		[]string{"role"},
	)

	ruleRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "rejections_total",
			Help:      "Requests refused by a business rule, by error code.",
		},
		[]string{"code"},
	)

	credentialDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "credential_deliveries_total",
			Help:      "Credential e-mails attempted, by outcome.",
		},
		[]string{"delivered"},
	)

	finesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fines",
			Name:      "issued_total",
			Help:      "Fines issued, by kind.",
		},
		[]string{"kind"},
	)

	finesSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fines",
			Name:      "settled_total",
			Help:      "Fines leaving PENDING, by final status.",
		},
		[]string{"status"},
	)

	autoBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accounts",
			Name:      "blocks_total",
			Help:      "Readers blocked, by trigger.",
		},
		[]string{"trigger"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fines",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of the overdue-fine sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		accountsCreated,
		ruleRejections,
		credentialDeliveries,
		finesIssued,
		finesSettled,
		autoBlocks,
		sweepDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency labelled by the chi route pattern, so path
// parameters do not explode the label space.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func AccountCreated(role string) { accountsCreated.WithLabelValues(role).Inc() }

func RuleRejected(code string) { ruleRejections.WithLabelValues(code).Inc() }

func CredentialDelivery(delivered bool) {
	credentialDeliveries.WithLabelValues(strconv.FormatBool(delivered)).Inc()
}

func FineIssued(kind string) { finesIssued.WithLabelValues(kind).Inc() }

func FineSettled(status string) { finesSettled.WithLabelValues(status).Inc() }

// Block triggers.
const (
	TriggerLosses  = "losses"
	TriggerOverdue = "overdue"
	TriggerManual  = "manual"
)

func UserBlocked(trigger string) { autoBlocks.WithLabelValues(trigger).Inc() }

func SweepFinished(d time.Duration) { sweepDuration.Observe(d.Seconds()) }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
