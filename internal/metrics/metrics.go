package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AuthDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raggate_auth_decision_total",
			Help: "Count of gate outcomes (allow/missing/invalid/static_bypass)",
		},
		[]string{"outcome"},
	)
	TokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raggate_tokens_issued_total",
			Help: "Tokens minted via /api/get-token",
		},
	)
	UpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raggate_upstream_duration_seconds",
			Help:    "Latency of upstream calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raggate_proxy_errors_total",
			Help: "Upstream failures by type (timeout/context/connection/upstream_5xx/other)",
		},
		[]string{"type"},
	)
	HTMLRewrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raggate_html_rewrites_total",
			Help: "Buffered HTML responses passed through the rewriter",
		},
	)
	MappingReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raggate_mapping_reloads_total",
			Help: "Mapping table reload attempts by result",
		},
		[]string{"result"},
	)
	MappingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raggate_mapping_entries",
			Help: "Agent keys in the live mapping snapshot",
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "raggate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(AuthDecision, TokensIssued, UpstreamLatency, ProxyErrors, HTMLRewrites, MappingReloads, MappingEntries, BuildInfo)
}
