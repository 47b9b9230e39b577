package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      *prometheus.HistogramVec
	workerInflight        *prometheus.GaugeVec
	deadLettersTotal      *prometheus.CounterVec
	breakerState          *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "email_courier",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "email_courier",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveryOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "email_courier",
				Name:      "delivery_outcomes_total",
				Help:      "Total number of processing passes grouped by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "email_courier",
				Name:      "delivery_duration_seconds",
				Help:      "Duration of one delivery processing pass grouped by type.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"type"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "email_courier",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight worker operations grouped by type.",
			},
			[]string{"type"},
		),
		deadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "email_courier",
				Name:      "dead_letters_total",
				Help:      "Total number of payloads escalated to the dead-letter destination.",
			},
			[]string{"type"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "email_courier",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open).",
			},
			[]string{"dependency"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveryOutcomesTotal,
		m.deliveryDuration,
		m.workerInflight,
		m.deadLettersTotal,
		m.breakerState,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDeliveryOutcome(notificationType string, outcome string) {
	if m == nil {
		return
	}
	m.deliveryOutcomesTotal.WithLabelValues(normalizeLabel(notificationType), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(notificationType string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalizeLabel(notificationType)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(notificationType string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(notificationType)).Inc()
}

func (m *Metrics) DecWorkerInFlight(notificationType string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(notificationType)).Dec()
}

func (m *Metrics) IncDeadLetter(notificationType string) {
	if m == nil {
		return
	}
	m.deadLettersTotal.WithLabelValues(normalizeLabel(notificationType)).Inc()
}

// DeliveryOutcomeCounter returns the counter for one type/outcome pair.
func (m *Metrics) DeliveryOutcomeCounter(notificationType string, outcome string) prometheus.Counter {
	return m.deliveryOutcomesTotal.WithLabelValues(normalizeLabel(notificationType), normalizeLabel(outcome))
}

// DeadLetterCounter returns the dead-letter counter for one type.
func (m *Metrics) DeadLetterCounter(notificationType string) prometheus.Counter {
	return m.deadLettersTotal.WithLabelValues(normalizeLabel(notificationType))
}

// SetBreakerState records a breaker transition. Intended to be wired as a
// breaker state-change hook.
func (m *Metrics) SetBreakerState(dependency string, state string) {
	if m == nil {
		return
	}

	var value float64
	switch normalizeLabel(state) {
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(normalizeLabel(dependency)).Set(value)
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
