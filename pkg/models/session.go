package models

import "time"

// StreamingSession tracks a live playback client. Mutated on every
// heartbeat, expired after a bounded inactivity window.
type StreamingSession struct {
	ID             string    `json:"id"`
	VideoID        string    `json:"video_id"`
	UserID         string    `json:"user_id"`
	CurrentQuality string    `json:"current_quality"`
	DeviceClass    string    `json:"device_class"`
	StartedAt      time.Time `json:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	WatchTime      float64   `json:"watch_time"`     // cumulative seconds
	LastBandwidth  int       `json:"last_bandwidth"` // kbps
}

// DeviceClass constants
const (
	DeviceClassMobile  = "mobile"
	DeviceClassTablet  = "tablet"
	DeviceClassDesktop = "desktop"
	DeviceClassTV      = "tv"
)

// QualitySwitch is a recommendation to change rendition, returned from a
// session heartbeat when the client should adapt.
type QualitySwitch struct {
	Quality string `json:"quality"`
	Bitrate int    `json:"bitrate"` // kbps
	Reason  string `json:"reason"`
}

// Switch reason constants
const (
	SwitchReasonBuffer    = "buffer"
	SwitchReasonBandwidth = "bandwidth"
)
