// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_dispatch_attempts_total{provider,outcome}
	dispatchAttempts *prometheus.CounterVec

	// gateway_dispatch_attempts_per_request
	attemptsPerRequest prometheus.Histogram

	// gateway_dispatch_exhausted_total{model}
	dispatchExhausted *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_settlement_usd_total{flow} — consumer_charged | provider_earned | platform_fee
	settlementTotal *prometheus.CounterVec

	// gateway_settlement_failures_total{stage} — ledger | debit | credit
	settlementFailures *prometheus.CounterVec

	// gateway_credential_status{provider,status} — count of credentials per state
	credentialStatus *prometheus.GaugeVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_attempts_total",
				Help: "Upstream dispatch attempts by provider and outcome (includes failovers)",
			},
			[]string{"provider", "outcome"},
		),

		attemptsPerRequest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_dispatch_attempts_per_request",
			Help:    "Number of candidates tried before a request succeeded",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}),

		dispatchExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_exhausted_total",
				Help: "Requests that exhausted every candidate without success",
			},
			[]string{"model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		settlementTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_settlement_usd_total",
				Help: "Settled dollar amounts by flow (consumer_charged, provider_earned, platform_fee)",
			},
			[]string{"flow"},
		),

		settlementFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_settlement_failures_total",
				Help: "Settlement steps that failed (ledger, debit, credit)",
			},
			[]string{"stage"},
		),

		credentialStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_credential_status",
				Help: "Number of credentials per provider and health state",
			},
			[]string{"provider", "status"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.dispatchAttempts,
		r.attemptsPerRequest,
		r.dispatchExhausted,
		r.tokensTotal,
		r.settlementTotal,
		r.settlementFailures,
		r.credentialStatus,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveDispatch records one served request: the winning provider plus how
// many candidates were tried to get there.
func (r *Registry) ObserveDispatch(provider string, attempts int) {
	r.dispatchAttempts.WithLabelValues(provider, "success").Inc()
	r.attemptsPerRequest.Observe(float64(attempts))
}

func (r *Registry) RecordDispatchFailure(provider string) {
	r.dispatchAttempts.WithLabelValues(provider, "failure").Inc()
}

func (r *Registry) RecordDispatchExhausted(model string) {
	r.dispatchExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// AddSettlement records one settled call's money flows.
func (r *Registry) AddSettlement(consumerCharged, providerEarned, platformFee float64) {
	if consumerCharged > 0 {
		r.settlementTotal.WithLabelValues("consumer_charged").Add(consumerCharged)
	}
	if providerEarned > 0 {
		r.settlementTotal.WithLabelValues("provider_earned").Add(providerEarned)
	}
	if platformFee > 0 {
		r.settlementTotal.WithLabelValues("platform_fee").Add(platformFee)
	}
}

func (r *Registry) RecordSettlementFailure(stage string) {
	r.settlementFailures.WithLabelValues(stage).Inc()
}

// SetCredentialStatus publishes the credential state census for one provider.
func (r *Registry) SetCredentialStatus(provider string, counts map[string]int) {
	for status, n := range counts {
		r.credentialStatus.WithLabelValues(provider, status).Set(float64(n))
	}
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
