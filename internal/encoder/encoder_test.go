package encoder

import (
	"errors"
	"testing"

	"github.com/streamforge/pipeline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressLine(t *testing.T) {
	// 30s of a 60s source
	progress, ok := parseProgressLine("out_time_ms=30000000", 60.0)
	require.True(t, ok)
	assert.InDelta(t, 50.0, progress, 0.001)

	// Clamped at 100
	progress, ok = parseProgressLine("out_time_ms=90000000", 60.0)
	require.True(t, ok)
	assert.Equal(t, 100.0, progress)

	// Non-progress lines are skipped
	_, ok = parseProgressLine("frame=100", 60.0)
	assert.False(t, ok)

	// Unknown duration reports nothing
	_, ok = parseProgressLine("out_time_ms=30000000", 0)
	assert.False(t, ok)
}

func TestStderrTail(t *testing.T) {
	in := "line1\nline2\nline3\nline4"
	assert.Equal(t, "line3\nline4", stderrTail(in, 2))
	assert.Equal(t, in, stderrTail(in, 10))
}

func TestEncodeErrorCarriesStderr(t *testing.T) {
	cause := &runError{err: errors.New("exit status 1"), stderr: "Invalid data found when processing input"}

	encErr := encodeError("720p", models.FormatHLS, cause)
	assert.Equal(t, "720p", encErr.Profile)
	assert.Equal(t, models.FormatHLS, encErr.Format)
	assert.Equal(t, "Invalid data found when processing input", encErr.Detail)
	assert.Contains(t, encErr.Error(), "Invalid data found")

	// Failures that never reached ffmpeg carry no diagnostic tail.
	plain := encodeError("720p", models.FormatHLS, errors.New("mkdir: permission denied"))
	assert.Empty(t, plain.Detail)
}

func TestVideoArgs(t *testing.T) {
	args := videoArgs(models.Profile720p, true)

	assert.Contains(t, args, "-c:v")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "2500k")
	assert.Contains(t, args, "1280x720")
	assert.Contains(t, args, "-c:a")
	assert.Contains(t, args, "128k")
	assert.NotContains(t, args, "-an")
}

func TestVideoArgsNoAudio(t *testing.T) {
	args := videoArgs(models.Profile720p, false)

	assert.Contains(t, args, "-an")
	assert.NotContains(t, args, "-c:a")
}

func TestBuildMP4ArgsSinglePass(t *testing.T) {
	args := buildMP4Args("in.mp4", "out.mp4", "log", models.Profile480p, true, false, passSecond)

	assert.Equal(t, "-i", args[0])
	assert.Equal(t, "in.mp4", args[1])
	assert.Contains(t, args, "-movflags")
	assert.Contains(t, args, "+faststart")
	assert.Equal(t, "out.mp4", args[len(args)-1])
	assert.NotContains(t, args, "-pass")
}

func TestBuildMP4ArgsTwoPass(t *testing.T) {
	first := buildMP4Args("in.mp4", "out.mp4", "log", models.Profile480p, true, true, passFirst)
	assert.Contains(t, first, "-pass")
	assert.Contains(t, first, "1")
	assert.Contains(t, first, "null")
	assert.NotContains(t, first, "out.mp4")

	second := buildMP4Args("in.mp4", "out.mp4", "log", models.Profile480p, true, true, passSecond)
	assert.Contains(t, second, "2")
	assert.Equal(t, "out.mp4", second[len(second)-1])
}

func TestBuildHLSArgs(t *testing.T) {
	args := buildHLSArgs("in.mp4", "out/720p.m3u8", "out/720p_%05d.ts", models.Profile720p, true, 4)

	assert.Contains(t, args, "-f")
	assert.Contains(t, args, "hls")
	assert.Contains(t, args, "-hls_time")
	assert.Contains(t, args, "4")
	assert.Contains(t, args, "-hls_segment_filename")
	assert.Equal(t, "out/720p.m3u8", args[len(args)-1])
}

func TestBuildDASHArgs(t *testing.T) {
	args := buildDASHArgs("in.mp4", "out/1080p.mpd", models.Profile1080p, true, 4)

	assert.Contains(t, args, "dash")
	assert.Contains(t, args, "-seg_duration")
	assert.Contains(t, args, "1080p_init.m4s")
	assert.Equal(t, "out/1080p.mpd", args[len(args)-1])
}
