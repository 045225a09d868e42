// Package metrics exposes opt-in Prometheus instrumentation for the
// proxy's request pipeline, MITM handler, and Flow Store. All recording
// functions are safe to call whether or not a metrics server is ever
// started: registration happens eagerly in init(), same as the
// teacher's churn package, so a disabled exporter just means nobody is
// scraping counters that are still being incremented in the hot path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	flowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_flows_total",
		Help: "Total flows created, by kind (http, ws).",
	}, []string{"kind"})

	activeFlows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roxy_active_flows",
		Help: "Flows currently open (created but not yet closed).",
	})

	responseStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_response_status_total",
		Help: "Upstream responses written to clients, by status class.",
	}, []string{"class"})

	upstreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_upstream_errors_total",
		Help: "Upstream dispatch failures, by error kind.",
	}, []string{"kind"})

	scriptHookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roxy_script_hook_duration_seconds",
		Help:    "Wall time spent in a request/response script hook.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"hook"})

	scriptTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roxy_script_timeouts_total",
		Help: "Script hook invocations that exceeded their timeout.",
	})

	wsMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_ws_messages_total",
		Help: "WebSocket frames relayed, by direction.",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		flowsTotal, activeFlows, responseStatusTotal, upstreamErrorsTotal,
		scriptHookDuration, scriptTimeoutsTotal, wsMessagesTotal,
	)
}

// RecordFlowCreated increments the flows-created counter for kind
// ("http" or "ws") and the active-flows gauge.
func RecordFlowCreated(kind string) {
	flowsTotal.WithLabelValues(kind).Inc()
	activeFlows.Inc()
}

// RecordFlowClosed decrements the active-flows gauge.
func RecordFlowClosed() {
	activeFlows.Dec()
}

// RecordResponseStatus buckets status into its HTTP class ("2xx",
// "4xx", ...) for the response-status counter.
func RecordResponseStatus(status int) {
	responseStatusTotal.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}

// RecordUpstreamError increments the upstream-errors counter for kind
// (the stringified upstream.ErrKind).
func RecordUpstreamError(kind string) {
	upstreamErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordScriptHookDuration records how long hook ("request" or
// "response") took to run.
func RecordScriptHookDuration(hook string, d time.Duration) {
	scriptHookDuration.WithLabelValues(hook).Observe(d.Seconds())
}

// RecordScriptTimeout increments the script-timeout counter.
func RecordScriptTimeout() {
	scriptTimeoutsTotal.Inc()
}

// RecordWSMessage increments the WebSocket frame counter for direction
// ("client_to_server" or "server_to_client").
func RecordWSMessage(direction string) {
	wsMessagesTotal.WithLabelValues(direction).Inc()
}
