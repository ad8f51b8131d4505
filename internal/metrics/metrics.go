package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values shared by the counters below.
const (
	StatusOK       = "ok"
	StatusInvalid  = "invalid"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
	StatusTooLarge = "too_large"
)

var (
	// Dispatch metrics
	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_events_sent_total",
			Help: "Total number of events handed to the collection endpoint",
		},
		[]string{"status"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warehouse_dispatch_duration_seconds",
			Help:    "Duration of event dispatch requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ingestion metrics
	IngestPayloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_ingest_payloads_total",
			Help: "Total number of payloads received on the ingestion socket",
		},
		[]string{"status"},
	)

	IngestBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_ingest_bytes_total",
			Help: "Total bytes of payload data stored from the ingestion socket",
		},
	)

	AcceptErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_ingest_accept_errors_total",
			Help: "Total number of recoverable accept errors",
		},
	)

	// Cache metrics
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_cache_evictions_total",
			Help: "Total number of payloads evicted because the cache was full",
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_ratelimit_hits_total",
			Help: "Total number of ingestion connections refused by the rate limiter",
		},
	)

	// Dead letter metrics
	DLQWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_dlq_written_total",
			Help: "Total number of failed events published to the dead letter stream",
		},
	)
)
