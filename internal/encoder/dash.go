package encoder

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/streamforge/pipeline/pkg/models"
)

// encodeDASH segments one rendition into an init segment plus media
// segments, along with the representation's manifest fragment.
func (f *FFmpeg) encodeDASH(ctx context.Context, input string, profile models.QualityProfile, outputDir string, meta *models.VideoMetadata, progressCB ProgressFunc) ([]models.OutputFile, error) {
	manifest := filepath.Join(outputDir, fmt.Sprintf("%s.mpd", profile.Name))

	args := buildDASHArgs(input, manifest, profile, meta.HasAudio(), f.hlsSegmentSeconds)

	if err := f.run(ctx, args, meta.Duration, progressCB); err != nil {
		return nil, encodeError(profile.Name, models.FormatDASH, err)
	}

	out, err := outputFile(manifest, profile, models.FormatDASH, 0)
	if err != nil {
		return nil, err
	}

	out.PlaylistPath = manifest
	out.SegmentCount = countSegments(filepath.Join(outputDir, fmt.Sprintf("%s_chunk_*.m4s", profile.Name)))
	out.Bitrate = profile.VideoBitrate + profile.AudioBitrate

	return []models.OutputFile{out}, nil
}

// buildDASHArgs assembles the ffmpeg arguments for one DASH representation.
func buildDASHArgs(input, manifest string, profile models.QualityProfile, hasAudio bool, segmentSeconds int) []string {
	args := []string{"-i", input}
	args = append(args, videoArgs(profile, hasAudio)...)
	args = append(args,
		"-f", "dash",
		"-seg_duration", strconv.Itoa(segmentSeconds),
		"-use_template", "1",
		"-use_timeline", "0",
		"-init_seg_name", fmt.Sprintf("%s_init.m4s", profile.Name),
		"-media_seg_name", fmt.Sprintf("%s_chunk_$Number%%05d$.m4s", profile.Name),
		manifest,
	)
	return args
}
