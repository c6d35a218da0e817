package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/streamforge/pipeline/internal/config"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/media"
	"github.com/streamforge/pipeline/pkg/models"
)

// ProgressFunc receives fractional encode progress in the range [0, 100].
// Reported values are monotonic non-decreasing.
type ProgressFunc func(progress float64)

// FFmpeg encodes single renditions by invoking ffmpeg as a subprocess.
// One call to Encode produces the output files for one (profile, format)
// pair. The subprocess is terminated when the context is cancelled.
type FFmpeg struct {
	ffmpegPath        string
	twoPass           bool
	hlsSegmentSeconds int
	prober            *media.Prober
	log               *logging.Logger
}

// New creates a new FFmpeg encoder
func New(cfg config.TranscoderConfig, log *logging.Logger) *FFmpeg {
	segment := cfg.HLSSegmentSeconds
	if segment <= 0 {
		segment = 4
	}

	return &FFmpeg{
		ffmpegPath:        cfg.FFmpegPath,
		twoPass:           cfg.EnableTwoPass,
		hlsSegmentSeconds: segment,
		prober:            media.NewProber(cfg.FFprobePath),
		log:               log,
	}
}

// Encode produces the rendition for one (profile, format) pair under
// outputDir. Progress is reported through progressCB as
// timestamp-processed over total duration.
func (f *FFmpeg) Encode(ctx context.Context, input string, profile models.QualityProfile, format, outputDir string, progressCB ProgressFunc) ([]models.OutputFile, error) {
	meta, err := f.prober.Probe(ctx, input)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	switch format {
	case models.FormatMP4:
		return f.encodeMP4(ctx, input, profile, outputDir, meta, progressCB)
	case models.FormatHLS:
		return f.encodeHLS(ctx, input, profile, outputDir, meta, progressCB)
	case models.FormatDASH:
		return f.encodeDASH(ctx, input, profile, outputDir, meta, progressCB)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// videoArgs returns the encoding arguments shared by every format.
func videoArgs(p models.QualityProfile, hasAudio bool) []string {
	args := []string{
		"-c:v", p.Codec,
		"-b:v", fmt.Sprintf("%dk", p.VideoBitrate),
		"-maxrate", fmt.Sprintf("%dk", p.VideoBitrate*12/10),
		"-bufsize", fmt.Sprintf("%dk", p.VideoBitrate*2),
		"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-r", strconv.FormatFloat(p.FrameRate, 'f', -1, 64),
		"-preset", p.Preset,
		"-g", strconv.Itoa(p.GOPSize),
		"-bf", strconv.Itoa(p.BFrames),
		"-keyint_min", strconv.Itoa(p.KeyframeMin),
		"-sc_threshold", "0",
	}

	if p.Profile != "" {
		args = append(args, "-profile:v", p.Profile)
	}
	if p.Level != "" {
		args = append(args, "-level", p.Level)
	}

	if hasAudio {
		args = append(args, "-c:a", "aac", "-b:a", fmt.Sprintf("%dk", p.AudioBitrate))
	} else {
		args = append(args, "-an")
	}

	return args
}

// run executes ffmpeg with progress tracking. Cancelling the context
// terminates the subprocess.
func (f *FFmpeg) run(ctx context.Context, args []string, totalDuration float64, progressCB ProgressFunc) error {
	full := append([]string{"-y", "-hide_banner"}, args...)
	full = append(full, "-progress", "pipe:1")

	cmd := exec.CommandContext(ctx, f.ffmpegPath, full...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		last := 0.0
		for scanner.Scan() {
			progress, ok := parseProgressLine(scanner.Text(), totalDuration)
			if !ok {
				continue
			}
			if progress < last {
				continue
			}
			last = progress
			if progressCB != nil {
				progressCB(progress)
			}
		}
	}()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &runError{err: err, stderr: stderrTail(stderrBuf.String(), 20)}
	}

	if progressCB != nil {
		progressCB(100)
	}

	return nil
}

// runError carries the tail of ffmpeg's stderr alongside the exit error.
type runError struct {
	err    error
	stderr string
}

func (e *runError) Error() string {
	return fmt.Sprintf("ffmpeg failed: %v", e.err)
}

func (e *runError) Unwrap() error { return e.err }

// encodeError tags a run failure with the rendition that produced it,
// lifting the captured stderr tail into the Detail field.
func encodeError(profile, format string, err error) *models.EncodeError {
	e := &models.EncodeError{Profile: profile, Format: format, Err: err}
	var rerr *runError
	if errors.As(err, &rerr) {
		e.Detail = rerr.stderr
	}
	return e
}

var progressRegex = regexp.MustCompile(`out_time_ms=(\d+)`)

// parseProgressLine extracts fractional progress from one line of
// "-progress pipe:1" output.
func parseProgressLine(line string, totalDuration float64) (float64, bool) {
	matches := progressRegex.FindStringSubmatch(line)
	if len(matches) < 2 || totalDuration <= 0 {
		return 0, false
	}

	timeMs, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, false
	}

	current := timeMs / 1000000.0 // microseconds despite the name
	progress := (current / totalDuration) * 100
	if progress > 100 {
		progress = 100
	}

	return progress, true
}

// stderrTail keeps the last n lines of diagnostic output for error reporting.
func stderrTail(stderr string, n int) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// outputFile stats an encoded file and fills in the common fields.
func outputFile(path string, profile models.QualityProfile, format string, duration float64) (models.OutputFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.OutputFile{}, fmt.Errorf("failed to stat output file: %w", err)
	}

	out := models.OutputFile{
		ProfileName: profile.Name,
		Format:      format,
		Path:        path,
		Size:        info.Size(),
		Bitrate:     profile.VideoBitrate + profile.AudioBitrate,
		Width:       profile.Width,
		Height:      profile.Height,
		Codec:       profile.Codec,
	}

	// Prefer the measured bitrate when the duration is known
	if duration > 0 {
		out.Bitrate = int(float64(info.Size()) * 8 / duration / 1000)
	}

	return out, nil
}

// countSegments counts the media segments matching a glob pattern.
func countSegments(pattern string) int {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	return len(matches)
}

// Thumbnail extracts a single frame at the given timestamp.
func (f *FFmpeg) Thumbnail(ctx context.Context, input, output string, atSeconds float64) error {
	args := []string{
		"-ss", fmt.Sprintf("%.2f", atSeconds),
		"-i", input,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		output,
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to extract thumbnail: %w, stderr: %s", err, stderrTail(stderr.String(), 10))
	}

	return nil
}
