package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Distribution metrics
	ReceiptsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomrelay_receipts_issued_total",
			Help: "Total receipts issued",
		},
		[]string{"mode"}, // "server" or "p2p"
	)

	RecordsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomrelay_records_stored_total",
			Help: "Total records newly stored",
		},
	)

	RecordsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomrelay_records_purged_total",
			Help: "Total records deleted after all their receipts expired",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomrelay_active_subscriptions",
			Help: "Currently open storage subscriptions",
		},
	)

	// Reconciliation metrics
	RecordsRendered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomrelay_records_rendered_total",
			Help: "Total message records rendered",
		},
		[]string{"source"}, // "live", "history" or "local"
	)

	RecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomrelay_record_failures_total",
			Help: "Total records that failed reconciliation",
		},
	)

	DeletionsSeen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomrelay_deletions_seen_total",
			Help: "Total deleted record ids delivered by the substrate",
		},
	)

	SyncSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomrelay_sync_sessions_total",
			Help: "Total peer sync sessions",
		},
		[]string{"result"}, // "ok" or "error"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomrelay_rate_limit_hits_total",
			Help: "Requests rejected by a rate limit rule",
		},
		[]string{"rule"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomrelay_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomrelay_store_latency_seconds",
			Help:    "Node store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"backend", "op"},
	)
)
