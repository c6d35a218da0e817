package manifest

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/streamforge/pipeline/pkg/models"
)

// File names the packager writes master manifests under, relative to a
// job's output root.
const (
	MasterPlaylistName = "master.m3u8"
	MPDName            = "manifest.mpd"
)

// BuildHLSMaster builds the HLS master playlist for a job's HLS output
// files. It is a pure function of its inputs: the same outputs always
// yield byte-identical text. Renditions are listed in descending
// bandwidth order.
func BuildHLSMaster(outputs []models.OutputFile) string {
	variants := filterFormat(outputs, models.FormatHLS)
	sortDescendingBitrate(variants)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n\n")

	for _, v := range variants {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			v.Bitrate*1000,
			v.Width,
			v.Height,
			codecString(v),
		))
		b.WriteString(path.Base(v.PlaylistPath) + "\n")
	}

	return b.String()
}

// filterFormat keeps the output files of one format.
func filterFormat(outputs []models.OutputFile, format string) []models.OutputFile {
	var out []models.OutputFile
	for _, o := range outputs {
		if o.Format == format {
			out = append(out, o)
		}
	}
	return out
}

// sortDescendingBitrate orders renditions highest bandwidth first, with
// the profile name as a deterministic tiebreaker.
func sortDescendingBitrate(outputs []models.OutputFile) {
	sort.SliceStable(outputs, func(i, j int) bool {
		if outputs[i].Bitrate != outputs[j].Bitrate {
			return outputs[i].Bitrate > outputs[j].Bitrate
		}
		return outputs[i].ProfileName < outputs[j].ProfileName
	})
}

// codecString returns the RFC 6381 codec declaration for a rendition.
func codecString(o models.OutputFile) string {
	video := h264CodecTag(o.Height)
	return video + ",mp4a.40.2"
}

// h264CodecTag maps a rendition height to an avc1 profile/level tag.
// Small renditions use the constrained profiles decoders expect there.
func h264CodecTag(height int) string {
	switch {
	case height <= 240:
		return "avc1.42E01E" // baseline 3.0
	case height <= 480:
		return "avc1.4D401F" // main 3.1
	case height <= 720:
		return "avc1.640028" // high 4.0
	case height <= 1080:
		return "avc1.64002A" // high 4.2
	default:
		return "avc1.640033" // high 5.1
	}
}
