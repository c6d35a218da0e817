package manifest

import (
	"strconv"
	"strings"
	"testing"

	"github.com/streamforge/pipeline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unki2aut/go-mpd"
)

func hlsOutputs() []models.OutputFile {
	return []models.OutputFile{
		{ProfileName: "240p", Format: models.FormatHLS, Width: 426, Height: 240, Bitrate: 464, PlaylistPath: "out/240p.m3u8", SegmentCount: 150},
		{ProfileName: "1080p", Format: models.FormatHLS, Width: 1920, Height: 1080, Bitrate: 5128, PlaylistPath: "out/1080p.m3u8", SegmentCount: 150},
		{ProfileName: "480p", Format: models.FormatHLS, Width: 854, Height: 480, Bitrate: 1496, PlaylistPath: "out/480p.m3u8", SegmentCount: 150},
		{ProfileName: "720p", Format: models.FormatHLS, Width: 1280, Height: 720, Bitrate: 2628, PlaylistPath: "out/720p.m3u8", SegmentCount: 150},
	}
}

func TestBuildHLSMasterOrdering(t *testing.T) {
	master := BuildHLSMaster(hlsOutputs())

	assert.True(t, strings.HasPrefix(master, "#EXTM3U\n"))

	var bandwidths []int
	var urls []string
	for _, line := range strings.Split(master, "\n") {
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:BANDWIDTH=") {
			rest := strings.TrimPrefix(line, "#EXT-X-STREAM-INF:BANDWIDTH=")
			bw, err := strconv.Atoi(rest[:strings.IndexByte(rest, ',')])
			require.NoError(t, err)
			bandwidths = append(bandwidths, bw)
		} else if strings.HasSuffix(line, ".m3u8") {
			urls = append(urls, line)
		}
	}

	require.Len(t, bandwidths, 4, "one stream-inf line per rendition")
	for i := 1; i < len(bandwidths); i++ {
		assert.Greater(t, bandwidths[i-1], bandwidths[i], "descending bandwidth order")
	}

	assert.Equal(t, []string{"1080p.m3u8", "720p.m3u8", "480p.m3u8", "240p.m3u8"}, urls)
	assert.Contains(t, master, "BANDWIDTH=5128000")
	assert.Contains(t, master, "RESOLUTION=1920x1080")
	assert.Contains(t, master, `CODECS="avc1.64002A,mp4a.40.2"`)
}

func TestBuildHLSMasterIsPure(t *testing.T) {
	outputs := hlsOutputs()

	first := BuildHLSMaster(outputs)
	second := BuildHLSMaster(outputs)

	assert.Equal(t, first, second, "same outputs must yield byte-identical manifests")
}

func TestBuildHLSMasterIgnoresOtherFormats(t *testing.T) {
	outputs := append(hlsOutputs(), models.OutputFile{
		ProfileName: "720p", Format: models.FormatMP4, Bitrate: 2628,
	})

	master := BuildHLSMaster(outputs)
	assert.Equal(t, 4, strings.Count(master, "#EXT-X-STREAM-INF"))
}

func dashOutputs() []models.OutputFile {
	return []models.OutputFile{
		{ProfileName: "360p", Format: models.FormatDASH, Width: 640, Height: 360, Bitrate: 896, PlaylistPath: "out/360p.mpd", SegmentCount: 150},
		{ProfileName: "720p", Format: models.FormatDASH, Width: 1280, Height: 720, Bitrate: 2628, PlaylistPath: "out/720p.mpd", SegmentCount: 150},
	}
}

func TestBuildDASH(t *testing.T) {
	text, err := BuildDASH(634.5, 4, dashOutputs())
	require.NoError(t, err)

	var doc mpd.MPD
	require.NoError(t, doc.Decode([]byte(text)))

	require.NotNil(t, doc.Type)
	assert.Equal(t, "static", *doc.Type)

	seconds, err := doc.MediaPresentationDuration.ToSeconds()
	require.NoError(t, err)
	assert.InDelta(t, 634.5, seconds, 0.01)

	require.Len(t, doc.Period, 1)
	require.Len(t, doc.Period[0].AdaptationSets, 1)

	reps := doc.Period[0].AdaptationSets[0].Representations
	require.Len(t, reps, 2)

	// Descending bandwidth order
	require.NotNil(t, reps[0].ID)
	assert.Equal(t, "video_720p", *reps[0].ID)
	assert.Equal(t, "video_360p", *reps[1].ID)

	st := reps[0].SegmentTemplate
	require.NotNil(t, st)
	assert.Equal(t, uint64(1000), *st.Timescale)
	assert.Equal(t, uint64(4000), *st.Duration)
	assert.Equal(t, uint64(1), *st.StartNumber)
	assert.Contains(t, *st.Media, "$Number%05d$")
}

func TestBuildDASHIsPure(t *testing.T) {
	outputs := dashOutputs()

	first, err := BuildDASH(120, 4, outputs)
	require.NoError(t, err)
	second, err := BuildDASH(120, 4, outputs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuildDASHEmpty(t *testing.T) {
	text, err := BuildDASH(60, 4, nil)
	require.NoError(t, err)

	var doc mpd.MPD
	require.NoError(t, doc.Decode([]byte(text)))
	require.Len(t, doc.Period, 1)
	assert.Empty(t, doc.Period[0].AdaptationSets[0].Representations)
}
