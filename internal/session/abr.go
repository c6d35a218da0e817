package session

import "github.com/streamforge/pipeline/pkg/models"

// bandwidthSafetyMargin keeps the selected bitrate comfortably under the
// observed client bandwidth.
const bandwidthSafetyMargin = 0.8

const (
	lowBufferSeconds  = 5.0
	highBufferSeconds = 20.0
	upSwitchHeadroom  = 1.5
)

// deviceCeiling filters profiles above what the device class can usefully
// display. Small-screen mobile clients are capped below 720p.
func deviceCeiling(profiles []models.QualityProfile, deviceClass string) []models.QualityProfile {
	if deviceClass != models.DeviceClassMobile {
		return profiles
	}
	capped := make([]models.QualityProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.Height < 720 {
			capped = append(capped, p)
		}
	}
	if len(capped) == 0 {
		// Every rendition is above the ceiling; serve the lowest rather
		// than nothing.
		sorted := sortedByBitrate(profiles)
		return sorted[:1]
	}
	return capped
}

func sortedByBitrate(profiles []models.QualityProfile) []models.QualityProfile {
	sorted := make([]models.QualityProfile, len(profiles))
	copy(sorted, profiles)
	models.SortByBitrate(sorted)
	return sorted
}

// InitialQuality picks the starting rendition for a new session: highest
// bitrate within the device ceiling that fits under 80% of the observed
// client bandwidth, falling back to the lowest rendition when none fits.
func InitialQuality(profiles []models.QualityProfile, bandwidthKbps int, deviceClass string) (models.QualityProfile, bool) {
	if len(profiles) == 0 {
		return models.QualityProfile{}, false
	}

	candidates := sortedByBitrate(deviceCeiling(profiles, deviceClass))

	limit := int(float64(bandwidthKbps) * bandwidthSafetyMargin)
	best := candidates[0]
	for _, p := range candidates {
		if p.VideoBitrate <= limit {
			best = p
		}
	}
	return best, true
}

// NextQuality evaluates a heartbeat and returns a switch recommendation,
// or nil when the current rendition should be kept. A starving buffer
// forces a step down; a healthy buffer plus bandwidth headroom allows a
// jump up to the best rendition the bandwidth supports.
func NextQuality(profiles []models.QualityProfile, current models.QualityProfile, bufferSeconds float64, bandwidthKbps int) *models.QualitySwitch {
	sorted := sortedByBitrate(profiles)

	if bufferSeconds < lowBufferSeconds {
		var lower *models.QualityProfile
		for idx := range sorted {
			if sorted[idx].VideoBitrate < current.VideoBitrate {
				lower = &sorted[idx]
			}
		}
		if lower == nil {
			return nil
		}
		return &models.QualitySwitch{
			Quality: lower.Name,
			Bitrate: lower.VideoBitrate,
			Reason:  models.SwitchReasonBuffer,
		}
	}

	if bufferSeconds > highBufferSeconds && float64(bandwidthKbps) > upSwitchHeadroom*float64(current.VideoBitrate) {
		limit := int(float64(bandwidthKbps) * bandwidthSafetyMargin)
		var higher *models.QualityProfile
		for idx := range sorted {
			if sorted[idx].VideoBitrate <= limit {
				higher = &sorted[idx]
			}
		}
		if higher == nil || higher.VideoBitrate <= current.VideoBitrate {
			return nil
		}
		return &models.QualitySwitch{
			Quality: higher.Name,
			Bitrate: higher.VideoBitrate,
			Reason:  models.SwitchReasonBandwidth,
		}
	}

	return nil
}
