package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_created_total",
			Help: "Total number of transcoding jobs created",
		},
		[]string{"priority"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of transcoding jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	JobRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_job_retries_total",
			Help: "Total number of job retry requeues",
		},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		},
	)

	JobsQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_queue_depth",
			Help: "Number of jobs waiting in queue",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
		[]string{"priority"},
	)

	// Encode Metrics
	EncodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_encodes_total",
			Help: "Total number of (profile, format) encode passes",
		},
		[]string{"profile", "format", "status"},
	)

	EncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_encode_duration_seconds",
			Help:    "Single rendition encode duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"profile", "format"},
	)

	// Worker Metrics
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_workers_active",
			Help: "Number of live worker loops",
		},
	)

	WorkerJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_worker_jobs_processed_total",
			Help: "Total number of jobs processed per worker",
		},
		[]string{"worker_id"},
	)

	// Session Metrics
	SessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_sessions_started_total",
			Help: "Total number of streaming sessions started",
		},
		[]string{"device_class"},
	)

	QualitySwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_quality_switches_total",
			Help: "Total number of recommended quality switches",
		},
		[]string{"reason"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// Business Metrics
	VideoDurationProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_video_duration_processed_seconds_total",
			Help: "Total duration of source video processed in seconds",
		},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordJobCreated records a job creation
func RecordJobCreated(priority string) {
	JobsCreatedTotal.WithLabelValues(priority).Inc()
}

// RecordJobCompleted records a job reaching a terminal state
func RecordJobCompleted(status, priority string, duration float64) {
	JobsCompletedTotal.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(priority).Observe(duration)
}

// UpdateJobMetrics updates current job gauges
func UpdateJobMetrics(inProgress, queueDepth int) {
	JobsInProgress.Set(float64(inProgress))
	JobsQueueDepth.Set(float64(queueDepth))
}

// RecordEncode records one (profile, format) encode pass
func RecordEncode(profile, format, status string, duration float64) {
	EncodesTotal.WithLabelValues(profile, format, status).Inc()
	EncodeDuration.WithLabelValues(profile, format).Observe(duration)
}

// RecordSessionStarted records a new streaming session
func RecordSessionStarted(deviceClass string) {
	SessionsStartedTotal.WithLabelValues(deviceClass).Inc()
}

// RecordQualitySwitch records a recommended quality switch
func RecordQualitySwitch(reason string) {
	QualitySwitchesTotal.WithLabelValues(reason).Inc()
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
