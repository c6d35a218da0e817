package manifest

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/streamforge/pipeline/pkg/models"
	"github.com/unki2aut/go-mpd"
)

// mpdDocument is the serialized form of a static, on-demand MPD with a
// single period and one video adaptation set.
type mpdDocument struct {
	XMLName                   xml.Name  `xml:"MPD"`
	XMLNS                     string    `xml:"xmlns,attr"`
	Profiles                  string    `xml:"profiles,attr"`
	Type                      string    `xml:"type,attr"`
	MediaPresentationDuration string    `xml:"mediaPresentationDuration,attr"`
	MinBufferTime             string    `xml:"minBufferTime,attr"`
	Period                    mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	ID             string          `xml:"id,attr"`
	Start          string          `xml:"start,attr"`
	AdaptationSets []mpdAdaptation `xml:"AdaptationSet"`
}

type mpdAdaptation struct {
	ID               string              `xml:"id,attr"`
	ContentType      string              `xml:"contentType,attr"`
	MimeType         string              `xml:"mimeType,attr"`
	SegmentAlignment bool                `xml:"segmentAlignment,attr"`
	Representations  []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	ID              string              `xml:"id,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	FrameRate       string              `xml:"frameRate,attr"`
	Bandwidth       int                 `xml:"bandwidth,attr"`
	Codecs          string              `xml:"codecs,attr"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdSegmentTemplate struct {
	Timescale      uint64 `xml:"timescale,attr"`
	Duration       uint64 `xml:"duration,attr"`
	StartNumber    uint64 `xml:"startNumber,attr"`
	Initialization string `xml:"initialization,attr"`
	Media          string `xml:"media,attr"`
}

const mpdTimescale = 1000

// BuildDASH builds the DASH MPD for a job's DASH output files: one
// Representation per rendition inside a single AdaptationSet. Pure
// function of its inputs; the generated document is round-tripped
// through an MPD parser to guarantee well-formedness.
func BuildDASH(durationSeconds float64, segmentSeconds int, outputs []models.OutputFile) (string, error) {
	renditions := filterFormat(outputs, models.FormatDASH)
	sortDescendingBitrate(renditions)

	if segmentSeconds <= 0 {
		segmentSeconds = 4
	}

	reps := make([]mpdRepresentation, 0, len(renditions))
	for _, r := range renditions {
		reps = append(reps, mpdRepresentation{
			ID:        fmt.Sprintf("video_%s", r.ProfileName),
			Width:     r.Width,
			Height:    r.Height,
			FrameRate: "30",
			Bandwidth: r.Bitrate * 1000,
			Codecs:    h264CodecTag(r.Height),
			SegmentTemplate: &mpdSegmentTemplate{
				Timescale:      mpdTimescale,
				Duration:       uint64(segmentSeconds) * mpdTimescale,
				StartNumber:    1,
				Initialization: fmt.Sprintf("%s_init.m4s", r.ProfileName),
				Media:          fmt.Sprintf("%s_chunk_$Number%%05d$.m4s", r.ProfileName),
			},
		})
	}

	doc := mpdDocument{
		XMLNS:                     "urn:mpeg:dash:schema:mpd:2011",
		Profiles:                  "urn:mpeg:dash:profile:isoff-on-demand:2011",
		Type:                      "static",
		MediaPresentationDuration: isoDuration(durationSeconds),
		MinBufferTime:             isoDuration(float64(segmentSeconds)),
		Period: mpdPeriod{
			ID:    "0",
			Start: "PT0S",
			AdaptationSets: []mpdAdaptation{{
				ID:               "0",
				ContentType:      "video",
				MimeType:         "video/mp4",
				SegmentAlignment: true,
				Representations:  reps,
			}},
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal MPD: %w", err)
	}

	out := xml.Header + string(body) + "\n"

	// Validate the generated document with a real MPD parser before
	// anything downstream can reference it.
	var check mpd.MPD
	if err := check.Decode([]byte(out)); err != nil {
		return "", fmt.Errorf("generated MPD failed validation: %w", err)
	}

	return out, nil
}

// isoDuration formats seconds as an ISO 8601 duration.
func isoDuration(seconds float64) string {
	return "PT" + strconv.FormatFloat(seconds, 'f', 1, 64) + "S"
}
