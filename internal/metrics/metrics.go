// Package metrics provides the Prometheus registry for the gateway.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when embedded elsewhere. The
// /metrics handler is exposed via Handler().
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

	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec
	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{provider,cache,status}
	requestsTotal *prometheus.CounterVec
	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec
	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec
	// gateway_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec
	// gateway_cache_degraded_total{tier}
	cacheDegraded *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec
	// gateway_cost_usd_total{provider}
	costTotal *prometheus.CounterVec

	// gateway_circuit_breaker_state{provider}
	circuitState *prometheus.GaugeVec
	// gateway_circuit_breaker_rejections_total{provider,state}
	circuitRejections *prometheus.CounterVec

	// gateway_routing_decisions_total{mode,class}
	routingDecisions *prometheus.CounterVec

	// gateway_alerts_dispatched_total{kind,channel}
	alertsDispatched *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New constructs the registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests handled, by route and status",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end HTTP request duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"route"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Pipeline outcomes by provider, cache disposition and status",
		}, []string{"provider", "cache", "status"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream call attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_attempt_duration_seconds",
			Help:    "Upstream attempt duration by provider and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"provider", "outcome"}),
		failoverEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_failover_events_total",
			Help: "Failover transitions between providers",
		}, []string{"from", "to", "reason"}),
		failoverExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_failover_exhausted_total",
			Help: "Requests that exhausted every provider candidate",
		}, []string{"primary"}),
		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_total",
			Help: "Rate limiter outcomes",
		}, []string{"result"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_operations_total",
			Help: "Cache operations by op and result",
		}, []string{"op", "result"}),
		cacheDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_degraded_total",
			Help: "Cache tier errors silently degraded to the next tier",
		}, []string{"tier"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens processed by provider and direction",
		}, []string{"provider", "direction"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Accumulated upstream cost in USD",
		}, []string{"provider"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per provider: 0=closed 1=open 2=half-open",
		}, []string{"provider"}),
		circuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Requests rejected by an open or probing circuit breaker",
		}, []string{"provider", "state"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_routing_decisions_total",
			Help: "Smart router decisions by mode and task class",
		}, []string{"mode", "class"}),
		alertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_alerts_dispatched_total",
			Help: "Alerts dispatched by kind and channel",
		}, []string{"kind", "channel"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight, r.httpRequestsTotal, r.httpDuration,
		r.requestsTotal, r.upstreamAttempts, r.upstreamDuration,
		r.failoverEvents, r.failoverExhausted,
		r.rateLimitTotal, r.cacheOps, r.cacheDegraded,
		r.tokensTotal, r.costTotal,
		r.circuitState, r.circuitRejections,
		r.routingDecisions, r.alertsDispatched,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler for GET /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// SetBuildInfo pins the version label gauge to 1.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one handled HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one pipeline outcome.
func (r *Registry) RecordRequest(provider, cache string, status int) {
	r.requestsTotal.WithLabelValues(provider, cache, strconv.Itoa(status)).Inc()
}

// ObserveUpstreamAttempt records one upstream call attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordFailover records one provider-to-provider failover transition.
func (r *Registry) RecordFailover(from, to, reason string) {
	r.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

// RecordFailoverExhausted records a request that ran out of candidates.
func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

// RecordRateLimit records a limiter outcome: allowed, blocked, or error.
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// CacheOp implements cache.Metrics.
func (r *Registry) CacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

// CacheDegraded implements cache.Metrics.
func (r *Registry) CacheDegraded(tier string) {
	r.cacheDegraded.WithLabelValues(tier).Inc()
}

// AddTokens accumulates prompt/completion token counts for a provider.
func (r *Registry) AddTokens(provider string, prompt, completion int) {
	r.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	r.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
}

// AddCost accumulates upstream cost for a provider.
func (r *Registry) AddCost(provider string, usd float64) {
	r.costTotal.WithLabelValues(provider).Add(usd)
}

// SetCircuitBreaker exports the breaker state for one provider.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordCircuitBreakerRejection counts a breaker-rejected attempt.
func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.circuitRejections.WithLabelValues(provider, state).Inc()
}

// RecordRoutingDecision counts a smart-router decision.
func (r *Registry) RecordRoutingDecision(mode, class string) {
	r.routingDecisions.WithLabelValues(mode, class).Inc()
}

// RecordAlertDispatched counts a dispatched alert.
func (r *Registry) RecordAlertDispatched(kind, channel string) {
	r.alertsDispatched.WithLabelValues(kind, channel).Inc()
}

// RegisterLedgerGauges exports the recorder's overflow counters as gauges.
func (r *Registry) RegisterLedgerGauges(dropped, unflushed func() int64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_ledger_dropped_rows",
		Help: "Ledger rows dropped because the queue stayed full past the backpressure window",
	}, func() float64 { return float64(dropped()) }))
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_ledger_unflushed_rows",
		Help: "Ledger rows lost because the shutdown drain deadline expired",
	}, func() float64 { return float64(unflushed()) }))
}
