// Package metrics exposes Prometheus collectors for the API, dispatch and the
// delivery workers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "herald"

// HTTP API.
var (
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	apiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "idempotent_replays_total",
		Help:      "Event submissions answered from a stored response.",
	})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests or sends refused by a rate limiter, by scope (api, channel).",
	}, []string{"scope"})
)

// Dispatch and delivery.
var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "jobs_enqueued_total",
		Help:      "Notification jobs created, by channel type.",
	}, []string{"channel_type"})

	dispatchSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "skipped_total",
		Help:      "Matched rules that produced no job, by reason.",
	}, []string{"reason"})

	eventsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "queued_events_in_flight",
		Help:      "Queued alert events currently being dispatched.",
	})

	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Job outcomes (completed, retried, deferred, failed) by channel type.",
	}, []string{"outcome", "channel_type"})

	sendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "send_duration_seconds",
		Help:      "Duration of a single channel send.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
	}, []string{"channel_type"})

	jobsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_reaped_total",
		Help:      "Jobs recovered from expired leases, by result.",
	}, []string{"result"})
)

// Connection pools.
var (
	dbConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections",
		Help:      "Open Postgres pool connections.",
	})

	redisConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "redis_connections",
		Help:      "Open Redis pool connections.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, route string, status int, d time.Duration) {
	apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	apiLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func RecordIdempotencyHit() { idempotentReplays.Inc() }

// RecordRateLimitRejection counts a refusal. scope is "api" or "channel".
func RecordRateLimitRejection(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

func RecordJobEnqueued(channelType string) {
	jobsEnqueued.WithLabelValues(channelType).Inc()
}

func RecordDispatchSkipped(reason string) {
	dispatchSkipped.WithLabelValues(reason).Inc()
}

func SetEventsInFlight(n int) { eventsInFlight.Set(float64(n)) }

func RecordJobProcessed(outcome, channelType string) {
	jobOutcomes.WithLabelValues(outcome, channelType).Inc()
}

func RecordSendDuration(channelType string, d time.Duration) {
	sendLatency.WithLabelValues(channelType).Observe(d.Seconds())
}

func RecordJobsReaped(requeued, failed int) {
	jobsReaped.WithLabelValues("requeued").Add(float64(requeued))
	jobsReaped.WithLabelValues("failed").Add(float64(failed))
}

func SetDBConnections(n int)    { dbConns.Set(float64(n)) }
func SetRedisConnections(n int) { redisConns.Set(float64(n)) }

// Middleware records request count and latency labelled by chi route pattern,
// falling back to the raw path outside a chi router.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordRequest(r.Method, route, status, time.Since(start))
	})
}
