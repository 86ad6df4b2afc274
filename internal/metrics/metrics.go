package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinytrust"

// Metrics holds the collectors of one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	outboundRequests   *prometheus.CounterVec
	outboundErrors     *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	tokensIssued       *prometheus.CounterVec
	idTokenValidations *prometheus.CounterVec
	discoveryRequests  *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		outboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_requests_total",
			Help:      "Requests sent to identity providers, by origin.",
		}, []string{"origin"}),
		outboundErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_errors_total",
			Help:      "Failed requests to identity providers, by origin.",
		}, []string{"origin"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions, by key type and result.",
		}, []string{"key_type", "result"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Credentials issued by the authorization server, by kind.",
		}, []string{"kind"}),
		idTokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id_token_validations_total",
			Help:      "ID token validations, by result code.",
		}, []string{"result"}),
		discoveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_requests_total",
			Help:      "OpenID Connect discovery attempts, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Handled HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.outboundRequests,
		m.outboundErrors,
		m.rateLimitDecisions,
		m.tokensIssued,
		m.idTokenValidations,
		m.discoveryRequests,
		m.httpRequests,
	)

	return m
}

func (m *Metrics) ObserveOutbound(origin string, failed bool) {
	if m == nil {
		return
	}
	m.outboundRequests.WithLabelValues(origin).Inc()
	if failed {
		m.outboundErrors.WithLabelValues(origin).Inc()
	}
}

func (m *Metrics) ObserveRateLimit(keyType string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.rateLimitDecisions.WithLabelValues(keyType, result).Inc()
}

func (m *Metrics) ObserveTokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

// ObserveIDTokenValidation records "valid" or the failure code.
func (m *Metrics) ObserveIDTokenValidation(result string) {
	if m == nil {
		return
	}
	m.idTokenValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDiscovery(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.discoveryRequests.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records a handled request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTPRequest(method string, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
