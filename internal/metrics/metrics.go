// Package metrics holds the Prometheus collectors. They are package-level
// and registered on the default registry through promauto, so any package
// can record without plumbing a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postlink"

// Label names
const (
	LabelMethod = "method"
	LabelPath   = "path"
	LabelStatus = "status"
	LabelFlow   = "flow"
	LabelResult = "result"
)

// Flow label values
const (
	FlowDirect      = "direct"
	FlowCrossDevice = "cross_device"
)

// Result label values shared by the business counters
const (
	ResultSuccess     = "success"
	ResultCSRF        = "csrf_mismatch"
	ResultNotFound    = "session_not_found"
	ResultExpired     = "session_expired"
	ResultDenied      = "authorization_failed"
	ResultNeedsReauth = "needs_reauth"
	ResultTransient   = "transient"
	ResultRejected    = "rejected"
	ResultLostRace    = "lost_race"
	ResultInvalid     = "invalid"
	ResultError       = "error"
	ResultPartial     = "partial"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelPath},
	)
)

// Linking metrics
var (
	LinkFlowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_flows_started_total",
			Help:      "Authorization redirects issued, by flow",
		},
		[]string{LabelFlow},
	)

	LinkFlowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_flows_completed_total",
			Help:      "Authorization callbacks handled, by flow and result",
		},
		[]string{LabelFlow, LabelResult},
	)
)

// Token and publishing metrics
var (
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Refresh attempts against the provider, by result",
		},
		[]string{LabelResult},
	)

	PostsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_published_total",
			Help:      "Individual posts sent to the provider, by result",
		},
		[]string{LabelResult},
	)

	ChainsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_published_total",
			Help:      "Chain publish requests, by result",
		},
		[]string{LabelResult},
	)

	ChainStopIndex = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_stop_index",
			Help:      "Index of the item a partially published chain stopped at",
			Buckets:   prometheus.LinearBuckets(0, 1, 25),
		},
	)
)
