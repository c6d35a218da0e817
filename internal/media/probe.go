package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/streamforge/pipeline/pkg/models"
)

// Prober extracts metadata from source files via ffprobe.
type Prober struct {
	ffprobePath string
}

// NewProber creates a new prober
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// probeOutput mirrors the ffprobe JSON document
type probeOutput struct {
	Format   formatInfo    `json:"format"`
	Streams  []streamInfo  `json:"streams"`
	Chapters []chapterInfo `json:"chapters"`
}

type formatInfo struct {
	Filename string `json:"filename"`
	Duration string `json:"duration"`
	Size     string `json:"size"`
	BitRate  string `json:"bit_rate"`
}

type streamInfo struct {
	Index        int               `json:"index"`
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Channels     int               `json:"channels"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Tags         map[string]string `json:"tags"`
}

type chapterInfo struct {
	StartTime string            `json:"start_time"`
	EndTime   string            `json:"end_time"`
	Tags      map[string]string `json:"tags"`
}

// Probe extracts metadata from a source file. It is a pure read: the
// source is never modified. A source without an audio stream yields empty
// audio fields; missing subtitle or chapter data yields empty lists.
func (p *Prober) Probe(ctx context.Context, input string) (*models.VideoMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-show_chapters",
		input,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &models.InputError{
			Input: input,
			Err:   fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String()),
		}
	}

	meta, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return nil, &models.InputError{Input: input, Err: err}
	}

	return meta, nil
}

// parseProbeOutput converts an ffprobe JSON document into VideoMetadata.
func parseProbeOutput(data []byte) (*models.VideoMetadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	meta := &models.VideoMetadata{}

	if duration, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		meta.Duration = duration
	}
	if bitrate, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
		meta.Bitrate = bitrate
	}

	hasVideo := false
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if hasVideo {
				continue
			}
			hasVideo = true
			meta.Width = stream.Width
			meta.Height = stream.Height
			meta.VideoCodec = stream.CodecName
			meta.FrameRate = parseFrameRate(stream.AvgFrameRate)
		case "audio":
			if meta.AudioCodec != "" {
				continue
			}
			meta.AudioCodec = stream.CodecName
			meta.AudioChannels = stream.Channels
		case "subtitle":
			track := models.SubtitleTrack{
				Index: stream.Index,
				Codec: stream.CodecName,
			}
			if lang, ok := stream.Tags["language"]; ok {
				track.Language = lang
			}
			meta.SubtitleTracks = append(meta.SubtitleTracks, track)
		}
	}

	if !hasVideo {
		return nil, models.ErrNoVideoStream
	}

	for _, ch := range probe.Chapters {
		chapter := models.Chapter{}
		if start, err := strconv.ParseFloat(ch.StartTime, 64); err == nil {
			chapter.Start = start
		}
		if end, err := strconv.ParseFloat(ch.EndTime, 64); err == nil {
			chapter.End = end
		}
		if title, ok := ch.Tags["title"]; ok {
			chapter.Title = title
		}
		meta.Chapters = append(meta.Chapters, chapter)
	}

	return meta, nil
}

// parseFrameRate converts an ffprobe rational like "30000/1001" to a float.
func parseFrameRate(rate string) float64 {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0
	}

	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}

	return num / den
}
