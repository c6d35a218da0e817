package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Video represents a source video file in the system
type Video struct {
	ID        string        `json:"id" db:"id"`
	Filename  string        `json:"filename" db:"filename"`
	Input     string        `json:"input" db:"input"`
	Size      int64         `json:"size" db:"size"`
	Duration  float64       `json:"duration" db:"duration"`
	Width     int           `json:"width" db:"width"`
	Height    int           `json:"height" db:"height"`
	Metadata  VideoMetadata `json:"metadata" db:"metadata"`
	Thumbnail string        `json:"thumbnail,omitempty" db:"thumbnail"`
	Status    string        `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// VideoMetadata holds the probe result for a source file. It is derived
// solely from the file and never mutated after extraction.
type VideoMetadata struct {
	Duration       float64         `json:"duration"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	FrameRate      float64         `json:"frame_rate"`
	Bitrate        int64           `json:"bitrate"`
	VideoCodec     string          `json:"video_codec"`
	AudioCodec     string          `json:"audio_codec,omitempty"`
	AudioChannels  int             `json:"audio_channels,omitempty"`
	SubtitleTracks []SubtitleTrack `json:"subtitle_tracks,omitempty"`
	Chapters       []Chapter       `json:"chapters,omitempty"`
}

// SubtitleTrack describes an embedded subtitle stream
type SubtitleTrack struct {
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Codec    string `json:"codec,omitempty"`
}

// Chapter describes a chapter marker in the source
type Chapter struct {
	Title string  `json:"title,omitempty"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// HasAudio reports whether the source carries an audio stream.
func (m VideoMetadata) HasAudio() bool {
	return m.AudioCodec != ""
}

// Value implements driver.Valuer for database storage
func (m VideoMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval
func (m *VideoMetadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, m)
}

// VideoStatus constants
const (
	VideoStatusPending    = "pending"
	VideoStatusProcessing = "processing"
	VideoStatusReady      = "ready"
	VideoStatusFailed     = "failed"
)
