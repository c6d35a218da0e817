package models

import "time"

// WorkerHeartbeat is the liveness record a worker refreshes in the
// shared registry. Heartbeat silence beyond the registry TTL means the
// worker is presumed dead and its in-flight jobs should be requeued.
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ActiveJobs    int       `json:"active_jobs"`
	JobsProcessed int64     `json:"jobs_processed"`
	JobsSucceeded int64     `json:"jobs_succeeded"`
	JobsFailed    int64     `json:"jobs_failed"`
}
