package encoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/streamforge/pipeline/pkg/models"
)

// encodePass identifies the stage of a (possibly two-pass) MP4 encode.
type encodePass int

const (
	passFirst encodePass = iota
	passSecond
	passDone
)

// encodeMP4 produces a single progressive MP4 with a faststart layout.
// When two-pass encoding is enabled the first pass analyzes the source
// and writes only a log file; the second pass produces the output.
func (f *FFmpeg) encodeMP4(ctx context.Context, input string, profile models.QualityProfile, outputDir string, meta *models.VideoMetadata, progressCB ProgressFunc) ([]models.OutputFile, error) {
	outPath := filepath.Join(outputDir, fmt.Sprintf("%s.mp4", profile.Name))
	passLog := filepath.Join(outputDir, fmt.Sprintf("%s_2pass", profile.Name))

	state := passSecond
	if f.twoPass {
		state = passFirst
		defer cleanupPassLogs(passLog)
	}

	for state != passDone {
		args := buildMP4Args(input, outPath, passLog, profile, meta.HasAudio(), f.twoPass, state)

		cb := progressCB
		if f.twoPass {
			// Each pass covers half of the reported range
			stage := state
			cb = func(p float64) {
				if progressCB == nil {
					return
				}
				if stage == passFirst {
					progressCB(p / 2)
				} else {
					progressCB(50 + p/2)
				}
			}
		}

		if err := f.run(ctx, args, meta.Duration, cb); err != nil {
			return nil, encodeError(profile.Name, models.FormatMP4, err)
		}

		switch state {
		case passFirst:
			state = passSecond
		case passSecond:
			state = passDone
		}
	}

	out, err := outputFile(outPath, profile, models.FormatMP4, meta.Duration)
	if err != nil {
		return nil, err
	}

	return []models.OutputFile{out}, nil
}

// buildMP4Args assembles the ffmpeg arguments for one MP4 pass.
func buildMP4Args(input, output, passLog string, profile models.QualityProfile, hasAudio, twoPass bool, pass encodePass) []string {
	args := []string{"-i", input}
	args = append(args, videoArgs(profile, hasAudio && pass != passFirst)...)

	if twoPass {
		args = append(args, "-passlogfile", passLog)
		if pass == passFirst {
			// Analysis pass: discard output
			return append(args, "-pass", "1", "-f", "null", os.DevNull)
		}
		args = append(args, "-pass", "2")
	}

	args = append(args, "-movflags", "+faststart", output)
	return args
}

func cleanupPassLogs(passLog string) {
	matches, err := filepath.Glob(passLog + "*")
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}
