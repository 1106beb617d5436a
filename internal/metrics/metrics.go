package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triggerflow"

var (
	registry = prometheus.NewRegistry()

	webhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_received_total",
		Help:      "Inbound webhook deliveries by provider and ingest outcome.",
	}, []string{"provider", "outcome"})

	runsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Automation runs that reached a terminal or suspended status.",
	}, []string{"status"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock time from run start to completion.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"status"})

	actionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_calls_total",
		Help:      "Action executions by source origin and result.",
	}, []string{"origin", "result"})

	actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "action_duration_seconds",
		Help:      "Action execution latency by source origin.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"origin"})

	riskDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_decisions_total",
		Help:      "Risk gate outcomes by risk level.",
	}, []string{"risk", "decision"})

	connectorDrift = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_drift_total",
		Help:      "Tool schema changes observed per connector.",
	}, []string{"connector"})

	rateLimitDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_drops_total",
		Help:      "Requests rejected with 429, by limiter prefix.",
	}, []string{"prefix"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		webhooksReceived, runsFinished, runDuration,
		actionCalls, actionDuration, riskDecisions,
		connectorDrift, rateLimitDrops,
	)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry for tests.
func Registry() *prometheus.Registry { return registry }

func IncWebhook(provider, outcome string) {
	webhooksReceived.WithLabelValues(provider, outcome).Inc()
}

// ObserveRun records a finished run. started may be zero for runs that never ran.
func ObserveRun(status string, started time.Time) {
	runsFinished.WithLabelValues(status).Inc()
	if !started.IsZero() {
		runDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
	}
}

func ObserveAction(origin string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	actionCalls.WithLabelValues(origin, result).Inc()
	actionDuration.WithLabelValues(origin).Observe(d.Seconds())
}

func IncRiskDecision(risk, decision string) {
	riskDecisions.WithLabelValues(risk, decision).Inc()
}

func AddConnectorDrift(connector string, n int) {
	if n > 0 {
		connectorDrift.WithLabelValues(connector).Add(float64(n))
	}
}

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.WithLabelValues(prefix).Inc()
}
