package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Job represents a transcoding job
type Job struct {
	ID          string      `json:"id" db:"id"`
	VideoID     string      `json:"video_id" db:"video_id"`
	OwnerID     string      `json:"owner_id" db:"owner_id"`
	Input       string      `json:"input" db:"input"`
	OutputRoot  string      `json:"output_root" db:"output_root"`
	Qualities   ProfileList `json:"qualities" db:"qualities"`
	Formats     FormatList  `json:"formats" db:"formats"`
	Status      string      `json:"status" db:"status"`
	Progress    float64     `json:"progress" db:"progress"`
	Priority    string      `json:"priority" db:"priority"`
	Attempts    int         `json:"attempts" db:"attempts"`
	MaxAttempts int         `json:"max_attempts" db:"max_attempts"`
	ErrorMsg    string      `json:"error_msg,omitempty" db:"error_msg"`
	WorkerID    string      `json:"worker_id,omitempty" db:"worker_id"`
	NotBefore   *time.Time  `json:"not_before,omitempty" db:"not_before"`
	StartedAt   *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// ProfileList is a JSONB-backed list of quality profiles
type ProfileList []QualityProfile

// Value implements driver.Valuer for database storage
func (pl ProfileList) Value() (driver.Value, error) {
	return json.Marshal(pl)
}

// Scan implements sql.Scanner for database retrieval
func (pl *ProfileList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, pl)
}

// FormatList is a JSONB-backed list of requested output formats
type FormatList []string

// Value implements driver.Valuer for database storage
func (fl FormatList) Value() (driver.Value, error) {
	return json.Marshal(fl)
}

// Scan implements sql.Scanner for database retrieval
func (fl *FormatList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, fl)
}

// Contains reports whether the list includes the given format.
func (fl FormatList) Contains(format string) bool {
	for _, f := range fl {
		if f == format {
			return true
		}
	}
	return false
}

// JobStatus constants
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// JobPriority constants
const (
	JobPriorityLow    = "low"
	JobPriorityMedium = "medium"
	JobPriorityHigh   = "high"
)

// Output format constants
const (
	FormatMP4  = "mp4"
	FormatHLS  = "hls"
	FormatDASH = "dash"
)

// PriorityWeight maps a priority name to its scheduling weight.
// Unknown priorities schedule as medium.
func PriorityWeight(priority string) int {
	switch priority {
	case JobPriorityHigh:
		return 10
	case JobPriorityLow:
		return 1
	default:
		return 5
	}
}

// ValidPriority reports whether the given priority name is known.
func ValidPriority(priority string) bool {
	switch priority {
	case JobPriorityLow, JobPriorityMedium, JobPriorityHigh:
		return true
	}
	return false
}

// ValidFormat reports whether the given output format is supported.
func ValidFormat(format string) bool {
	switch format {
	case FormatMP4, FormatHLS, FormatDASH:
		return true
	}
	return false
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// PairCount returns the number of (profile, format) encode pairs for the job.
func (j *Job) PairCount() int {
	return len(j.Qualities) * len(j.Formats)
}

// Eligible reports whether the job may be dequeued at the given time.
// A job under retry backoff is held until its not-before timestamp.
func (j *Job) Eligible(now time.Time) bool {
	return j.NotBefore == nil || !now.Before(*j.NotBefore)
}
