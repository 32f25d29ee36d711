package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument on a dedicated registry so tests can create
// isolated instances.
type Metrics struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	SamplesAccepted prometheus.Counter
	SamplesRejected *prometheus.CounterVec

	PlanRuns     *prometheus.CounterVec
	PlanDuration prometheus.Histogram
	RoutesBuilt  prometheus.Counter
	Unrouted     prometheus.Counter

	AssignmentsMade   *prometheus.CounterVec
	RoutesUnassigned  prometheus.Counter
	EscalationsClimbed *prometheus.CounterVec

	Exceptions *prometheus.CounterVec

	NotifyDeliveries *prometheus.CounterVec
	NotifyLatency    prometheus.Histogram
	OutboxDepth      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_http_requests_total",
		Help: "HTTP requests by method, path and status.",
	}, []string{"method", "path", "status"})
	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.SamplesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_location_samples_accepted_total",
		Help: "GPS samples accepted into the tracking pipeline.",
	})
	m.SamplesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_location_samples_rejected_total",
		Help: "GPS samples rejected by validation, by reason.",
	}, []string{"reason"})

	m.PlanRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_plan_runs_total",
		Help: "Planning cycles by kind and outcome.",
	}, []string{"kind", "outcome"})
	m.PlanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_plan_run_seconds",
		Help:    "Planning cycle wall time.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	m.RoutesBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_routes_built_total",
		Help: "Routes produced by planning cycles.",
	})
	m.Unrouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_orders_unrouted_total",
		Help: "Orders a planning cycle could not place.",
	})

	m.AssignmentsMade = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_assignments_total",
		Help: "Driver assignments by matcher.",
	}, []string{"matcher"})
	m.RoutesUnassigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_routes_unassigned_total",
		Help: "Routes left without a driver after escalation.",
	})
	m.EscalationsClimbed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_assignment_escalations_total",
		Help: "Escalation rungs climbed during assignment.",
	}, []string{"rung"})

	m.Exceptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_exceptions_total",
		Help: "Exception events raised, by type and severity.",
	}, []string{"type", "severity"})

	m.NotifyDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_notify_deliveries_total",
		Help: "Outbound notification attempts by outcome.",
	}, []string{"outcome"})
	m.NotifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_notify_delivery_seconds",
		Help:    "Notification delivery latency.",
		Buckets: prometheus.DefBuckets,
	})
	m.OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_notify_outbox_depth",
		Help: "Pending notifications in the outbox.",
	})

	m.reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.SamplesAccepted, m.SamplesRejected,
		m.PlanRuns, m.PlanDuration, m.RoutesBuilt, m.Unrouted,
		m.AssignmentsMade, m.RoutesUnassigned, m.EscalationsClimbed,
		m.Exceptions,
		m.NotifyDeliveries, m.NotifyLatency, m.OutboxDepth,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
