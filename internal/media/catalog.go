package media

import "github.com/streamforge/pipeline/pkg/models"

// Catalog holds the quality profiles available for transcoding. Profiles
// are fixed at construction.
type Catalog struct {
	profiles []models.QualityProfile
	byName   map[string]models.QualityProfile
}

// NewCatalog creates a catalog from the given profiles.
func NewCatalog(profiles []models.QualityProfile) *Catalog {
	byName := make(map[string]models.QualityProfile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}

	sorted := make([]models.QualityProfile, len(profiles))
	copy(sorted, profiles)
	models.SortByBitrate(sorted)

	return &Catalog{profiles: sorted, byName: byName}
}

// NewDefaultCatalog creates a catalog with the standard profile ladder.
func NewDefaultCatalog() *Catalog {
	return NewCatalog(models.ProfileLadder())
}

// ProfileByName returns a profile by name.
func (c *Catalog) ProfileByName(name string) (models.QualityProfile, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// Profiles returns all profiles sorted ascending by bitrate.
func (c *Catalog) Profiles() []models.QualityProfile {
	out := make([]models.QualityProfile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// ApplicableProfiles returns the profiles usable for a source of the given
// dimensions, sorted ascending by bitrate. Only profiles that fit within
// the source resolution are kept; if requestedNames is non-empty the
// result is further intersected by name. An empty intersection falls back
// to the single highest-resolution profile that still fits, so every
// valid source yields at least one profile.
func (c *Catalog) ApplicableProfiles(sourceWidth, sourceHeight int, requestedNames []string) []models.QualityProfile {
	requested := make(map[string]bool, len(requestedNames))
	for _, name := range requestedNames {
		requested[name] = true
	}

	var fitting []models.QualityProfile
	var selected []models.QualityProfile
	for _, p := range c.profiles {
		if !p.FitsSource(sourceWidth, sourceHeight) {
			continue
		}
		fitting = append(fitting, p)
		if len(requestedNames) > 0 && !requested[p.Name] {
			continue
		}
		selected = append(selected, p)
	}

	// Fall back to the largest fitting profile when the request excludes
	// everything that fits.
	if len(selected) == 0 && len(fitting) > 0 {
		selected = append(selected, largestByResolution(fitting))
	}

	models.SortByBitrate(selected)
	return selected
}

func largestByResolution(profiles []models.QualityProfile) models.QualityProfile {
	best := profiles[0]
	for _, p := range profiles[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}
