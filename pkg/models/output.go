package models

import "time"

// OutputFile represents one encoded rendition produced for a
// (profile, format) pair. Immutable after creation.
type OutputFile struct {
	ID           string    `json:"id" db:"id"`
	JobID        string    `json:"job_id" db:"job_id"`
	VideoID      string    `json:"video_id" db:"video_id"`
	ProfileName  string    `json:"profile_name" db:"profile_name"`
	Format       string    `json:"format" db:"format"`
	Path         string    `json:"path" db:"path"`
	Size         int64     `json:"size" db:"size"`
	Bitrate      int       `json:"bitrate" db:"bitrate"` // effective kbps
	Width        int       `json:"width" db:"width"`
	Height       int       `json:"height" db:"height"`
	Codec        string    `json:"codec" db:"codec"`
	SegmentCount int       `json:"segment_count,omitempty" db:"segment_count"`
	PlaylistPath string    `json:"playlist_path,omitempty" db:"playlist_path"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
