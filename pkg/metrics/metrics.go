package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// NNTP metrics
	PoolConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nntpvault_pool_connections",
			Help: "Current number of NNTP connections in the pool",
		},
	)

	SegmentsPosted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpvault_segments_posted_total",
			Help: "Total number of article posts acknowledged by the server",
		},
	)

	SegmentsFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpvault_segments_fetched_total",
			Help: "Total number of article bodies fetched",
		},
	)

	PostRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpvault_post_retries_total",
			Help: "Total number of post attempts that were retried",
		},
	)

	// Pipeline metrics
	FilesIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpvault_files_indexed_total",
			Help: "Total number of files indexed",
		},
	)

	SegmentsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpvault_segments_created_total",
			Help: "Total number of segment descriptors created",
		},
	)

	UploadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nntpvault_upload_queue_depth",
			Help: "Current number of tasks in the upload queue",
		},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntpvault_operations_total",
			Help: "Total number of operations by type and terminal state",
		},
		[]string{"type", "state"},
	)

	SegmentsMissing = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpvault_segments_missing_total",
			Help: "Total number of segments whose replicas were all unavailable during retrieval",
		},
	)
)

// Init registers all collectors with the default registry. Call once
// at startup.
func Init() {
	prometheus.MustRegister(
		PoolConnections,
		SegmentsPosted,
		SegmentsFetched,
		PostRetries,
		FilesIndexed,
		SegmentsCreated,
		UploadQueueDepth,
		OperationsTotal,
		SegmentsMissing,
	)
}
