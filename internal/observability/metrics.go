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

const namespace = "attestation_engine"

// Metrics stores Prometheus collectors for the HTTP surface and the
// delivery state machine. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	unableToServe        *prometheus.CounterVec
	requestsByNumberType *prometheus.CounterVec
	sendAttempts         *prometheus.CounterVec
	sendDuration         *prometheus.HistogramVec
	deliveryStatus       *prometheus.CounterVec
	deliveryErrorCodes   *prometheus.CounterVec
	failedToDeliver      *prometheus.CounterVec
	believedDelivered    *prometheus.CounterVec
	alreadySent          prometheus.Counter
	retriesScheduled     *prometheus.CounterVec
	configDrift          prometheus.Counter
	recordsPurged        prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		unableToServe: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_unable_to_serve_total",
				Help:      "Attestation requests that could not be served, by country.",
			},
			[]string{"country"},
		),
		requestsByNumberType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_by_number_type_total",
				Help:      "Attestation requests by country and phone number type.",
			},
			[]string{"country", "number_type"},
		),
		sendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_send_attempts_total",
				Help:      "Provider send calls by provider and result.",
			},
			[]string{"provider", "result"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider"},
		),
		deliveryStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_delivery_status_total",
				Help:      "Delivery status reports accepted, by provider, country and status.",
			},
			[]string{"provider", "country", "status"},
		),
		deliveryErrorCodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_delivery_error_codes_total",
				Help:      "Provider error codes seen in send failures and delivery reports.",
			},
			[]string{"provider", "country", "code"},
		),
		failedToDeliver: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_failed_to_deliver_total",
				Help:      "Attestations that exhausted every delivery attempt.",
			},
			[]string{"provider", "country"},
		),
		believedDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_believed_delivered_total",
				Help:      "Attestations confirmed delivered by their provider.",
			},
			[]string{"provider", "country"},
		),
		alreadySent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_already_sent_total",
				Help:      "Send requests for a key that already had a record.",
			},
		),
		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Delivery retries by path (sync or async).",
			},
			[]string{"path"},
		),
		configDrift: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_config_drift_total",
				Help:      "Re-attempts refused because the frozen provider list is no longer eligible.",
			},
		),
		recordsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_purged_total",
				Help:      "Attestation records deleted by the retention purger.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.unableToServe,
		m.requestsByNumberType,
		m.sendAttempts,
		m.sendDuration,
		m.deliveryStatus,
		m.deliveryErrorCodes,
		m.failedToDeliver,
		m.believedDelivered,
		m.alreadySent,
		m.retriesScheduled,
		m.configDrift,
		m.recordsPurged,
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
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncUnableToServe(country string) {
	if m == nil {
		return
	}
	m.unableToServe.WithLabelValues(label(country)).Inc()
}

func (m *Metrics) IncRequestByNumberType(country, numberType string) {
	if m == nil {
		return
	}
	m.requestsByNumberType.WithLabelValues(label(country), label(numberType)).Inc()
}

// ObserveSend records one provider call. result is "ok" or "error".
func (m *Metrics) ObserveSend(provider, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(label(provider), label(result)).Inc()
	m.sendDuration.WithLabelValues(label(provider)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncDeliveryStatus(provider, country, status string) {
	if m == nil {
		return
	}
	m.deliveryStatus.WithLabelValues(label(provider), label(country), label(status)).Inc()
}

func (m *Metrics) IncDeliveryErrorCode(provider, country, code string) {
	if m == nil {
		return
	}
	m.deliveryErrorCodes.WithLabelValues(label(provider), label(country), label(code)).Inc()
}

func (m *Metrics) IncFailedToDeliver(provider, country string) {
	if m == nil {
		return
	}
	m.failedToDeliver.WithLabelValues(label(provider), label(country)).Inc()
}

func (m *Metrics) IncBelievedDelivered(provider, country string) {
	if m == nil {
		return
	}
	m.believedDelivered.WithLabelValues(label(provider), label(country)).Inc()
}

func (m *Metrics) IncAlreadySent() {
	if m == nil {
		return
	}
	m.alreadySent.Inc()
}

func (m *Metrics) IncRetryScheduled(path string) {
	if m == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(label(path)).Inc()
}

func (m *Metrics) IncConfigDrift() {
	if m == nil {
		return
	}
	m.configDrift.Inc()
}

func (m *Metrics) AddRecordsPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsPurged.Add(float64(n))
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

func label(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
