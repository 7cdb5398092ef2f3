package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Extraction Metrics
	ExtractionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrbatch_extraction_requests_total",
			Help: "Total number of extraction API requests",
		},
		[]string{"key_alias", "status"},
	)

	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocrbatch_extraction_duration_seconds",
			Help:    "Extraction API call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 min
		},
	)

	// Key Pool Metrics
	KeysActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocrbatch_keys_active",
			Help: "Number of currently usable API keys",
		},
	)

	KeysRateLimited = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocrbatch_keys_rate_limited",
			Help: "Number of API keys in rate-limit cooldown",
		},
	)

	RateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrbatch_key_rate_limit_hits_total",
			Help: "Total number of rate-limit rejections per key",
		},
		[]string{"key_alias"},
	)

	// Admission Metrics
	AdmissionDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrbatch_admission_denials_total",
			Help: "Total number of denied admission checks",
		},
		[]string{"reason"},
	)

	// Pipeline Metrics
	ImagesProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocrbatch_images_processed_total",
			Help: "Total number of successfully processed images",
		},
	)

	ImagesFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocrbatch_images_failed_total",
			Help: "Total number of images that failed processing",
		},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocrbatch_cache_hits_total",
			Help: "Total number of extraction results served from cache",
		},
	)
)
