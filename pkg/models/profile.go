package models

import "sort"

// QualityProfile defines a named rendition: resolution, bitrates and
// encoder parameters. Profiles are immutable and comparable by bitrate.
type QualityProfile struct {
	Name         string  `json:"name"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	VideoBitrate int     `json:"video_bitrate"` // kbps
	AudioBitrate int     `json:"audio_bitrate"` // kbps
	FrameRate    float64 `json:"frame_rate"`
	Codec        string  `json:"codec"`
	Preset       string  `json:"preset"`
	Profile      string  `json:"profile"`
	Level        string  `json:"level"`
	GOPSize      int     `json:"gop_size"`
	BFrames      int     `json:"b_frames"`
	KeyframeMin  int     `json:"keyframe_min"`
	KeyframeMax  int     `json:"keyframe_max"`
}

// BandwidthBits returns the profile's total bandwidth in bits per second,
// the unit HLS and DASH manifests declare.
func (p QualityProfile) BandwidthBits() int {
	return (p.VideoBitrate + p.AudioBitrate) * 1000
}

// FitsSource reports whether the profile's resolution fits within the
// given source dimensions.
func (p QualityProfile) FitsSource(sourceWidth, sourceHeight int) bool {
	return p.Width <= sourceWidth && p.Height <= sourceHeight
}

// Standard quality profiles based on common streaming ladders
var (
	Profile240p = QualityProfile{
		Name:         "240p",
		Width:        426,
		Height:       240,
		VideoBitrate: 400,
		AudioBitrate: 64,
		FrameRate:    30,
		Codec:        "libx264",
		Preset:       "veryfast",
		Profile:      "baseline",
		Level:        "3.0",
		GOPSize:      48,
		BFrames:      0,
		KeyframeMin:  48,
		KeyframeMax:  48,
	}

	Profile360p = QualityProfile{
		Name:         "360p",
		Width:        640,
		Height:       360,
		VideoBitrate: 800,
		AudioBitrate: 96,
		FrameRate:    30,
		Codec:        "libx264",
		Preset:       "veryfast",
		Profile:      "main",
		Level:        "3.1",
		GOPSize:      48,
		BFrames:      2,
		KeyframeMin:  48,
		KeyframeMax:  48,
	}

	Profile480p = QualityProfile{
		Name:         "480p",
		Width:        854,
		Height:       480,
		VideoBitrate: 1400,
		AudioBitrate: 96,
		FrameRate:    30,
		Codec:        "libx264",
		Preset:       "fast",
		Profile:      "main",
		Level:        "3.1",
		GOPSize:      48,
		BFrames:      2,
		KeyframeMin:  48,
		KeyframeMax:  48,
	}

	Profile720p = QualityProfile{
		Name:         "720p",
		Width:        1280,
		Height:       720,
		VideoBitrate: 2500,
		AudioBitrate: 128,
		FrameRate:    30,
		Codec:        "libx264",
		Preset:       "fast",
		Profile:      "high",
		Level:        "4.0",
		GOPSize:      48,
		BFrames:      3,
		KeyframeMin:  48,
		KeyframeMax:  48,
	}

	Profile1080p = QualityProfile{
		Name:         "1080p",
		Width:        1920,
		Height:       1080,
		VideoBitrate: 5000,
		AudioBitrate: 128,
		FrameRate:    30,
		Codec:        "libx264",
		Preset:       "medium",
		Profile:      "high",
		Level:        "4.2",
		GOPSize:      48,
		BFrames:      3,
		KeyframeMin:  48,
		KeyframeMax:  48,
	}

	Profile4K = QualityProfile{
		Name:         "2160p",
		Width:        3840,
		Height:       2160,
		VideoBitrate: 16000,
		AudioBitrate: 192,
		FrameRate:    30,
		Codec:        "libx264",
		Preset:       "medium",
		Profile:      "high",
		Level:        "5.1",
		GOPSize:      48,
		BFrames:      3,
		KeyframeMin:  48,
		KeyframeMax:  48,
	}
)

// ProfileLadder returns the standard profiles sorted ascending by bitrate.
func ProfileLadder() []QualityProfile {
	ladder := []QualityProfile{
		Profile240p,
		Profile360p,
		Profile480p,
		Profile720p,
		Profile1080p,
		Profile4K,
	}
	SortByBitrate(ladder)
	return ladder
}

// SortByBitrate sorts profiles ascending by video bitrate in place.
func SortByBitrate(profiles []QualityProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].VideoBitrate < profiles[j].VideoBitrate
	})
}
