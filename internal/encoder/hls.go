package encoder

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/streamforge/pipeline/pkg/models"
)

// encodeHLS segments one rendition into fixed-duration MPEG-TS chunks
// plus a variant playlist.
func (f *FFmpeg) encodeHLS(ctx context.Context, input string, profile models.QualityProfile, outputDir string, meta *models.VideoMetadata, progressCB ProgressFunc) ([]models.OutputFile, error) {
	playlist := filepath.Join(outputDir, fmt.Sprintf("%s.m3u8", profile.Name))
	segmentPattern := filepath.Join(outputDir, fmt.Sprintf("%s_%%05d.ts", profile.Name))

	args := buildHLSArgs(input, playlist, segmentPattern, profile, meta.HasAudio(), f.hlsSegmentSeconds)

	if err := f.run(ctx, args, meta.Duration, progressCB); err != nil {
		return nil, encodeError(profile.Name, models.FormatHLS, err)
	}

	out, err := outputFile(playlist, profile, models.FormatHLS, 0)
	if err != nil {
		return nil, err
	}

	out.PlaylistPath = playlist
	out.SegmentCount = countSegments(filepath.Join(outputDir, fmt.Sprintf("%s_*.ts", profile.Name)))
	out.Bitrate = profile.VideoBitrate + profile.AudioBitrate

	return []models.OutputFile{out}, nil
}

// buildHLSArgs assembles the ffmpeg arguments for one HLS rendition.
func buildHLSArgs(input, playlist, segmentPattern string, profile models.QualityProfile, hasAudio bool, segmentSeconds int) []string {
	args := []string{"-i", input}
	args = append(args, videoArgs(profile, hasAudio)...)
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", segmentPattern,
		"-hls_list_size", "0",
		playlist,
	)
	return args
}
