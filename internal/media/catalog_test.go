package media

import (
	"testing"

	"github.com/streamforge/pipeline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplicableProfilesFiltersBySource(t *testing.T) {
	catalog := NewDefaultCatalog()

	profiles := catalog.ApplicableProfiles(1920, 1080, nil)
	require.NotEmpty(t, profiles)

	for _, p := range profiles {
		assert.LessOrEqual(t, p.Width, 1920)
		assert.LessOrEqual(t, p.Height, 1080)
	}

	// 4K must be excluded for a 1080p source
	for _, p := range profiles {
		assert.NotEqual(t, "2160p", p.Name)
	}
}

func TestApplicableProfilesSortedAscending(t *testing.T) {
	catalog := NewDefaultCatalog()

	profiles := catalog.ApplicableProfiles(3840, 2160, nil)
	require.NotEmpty(t, profiles)

	for i := 1; i < len(profiles); i++ {
		assert.GreaterOrEqual(t, profiles[i].VideoBitrate, profiles[i-1].VideoBitrate,
			"profiles must be ordered ascending by bitrate")
	}
}

func TestApplicableProfilesIntersectsRequestedNames(t *testing.T) {
	catalog := NewDefaultCatalog()

	profiles := catalog.ApplicableProfiles(1920, 1080, []string{"1080p", "720p", "480p", "240p"})
	require.Len(t, profiles, 4)

	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"240p", "480p", "720p", "1080p"}, names)
}

func TestApplicableProfilesFallback(t *testing.T) {
	catalog := NewDefaultCatalog()

	// Requested qualities are all larger than the source; fall back to the
	// largest profile that fits.
	profiles := catalog.ApplicableProfiles(640, 360, []string{"1080p", "720p"})
	require.Len(t, profiles, 1)
	assert.Equal(t, "360p", profiles[0].Name)
}

func TestApplicableProfilesNeverEmptyForValidSource(t *testing.T) {
	catalog := NewDefaultCatalog()

	// Smallest profile is 426x240; any source at least that large must
	// yield at least one profile.
	profiles := catalog.ApplicableProfiles(426, 240, []string{"no-such-profile"})
	require.Len(t, profiles, 1)
	assert.Equal(t, "240p", profiles[0].Name)
}

func TestApplicableProfilesTinySource(t *testing.T) {
	catalog := NewDefaultCatalog()

	// Nothing fits a source smaller than every profile
	profiles := catalog.ApplicableProfiles(100, 100, nil)
	assert.Empty(t, profiles)
}

func TestProfileByName(t *testing.T) {
	catalog := NewDefaultCatalog()

	p, ok := catalog.ProfileByName("720p")
	require.True(t, ok)
	assert.Equal(t, 1280, p.Width)
	assert.Equal(t, 720, p.Height)

	_, ok = catalog.ProfileByName("8K")
	assert.False(t, ok)
}

func TestCustomCatalogOrdering(t *testing.T) {
	catalog := NewCatalog([]models.QualityProfile{
		models.Profile1080p,
		models.Profile240p,
		models.Profile720p,
	})

	profiles := catalog.Profiles()
	require.Len(t, profiles, 3)
	assert.Equal(t, "240p", profiles[0].Name)
	assert.Equal(t, "720p", profiles[1].Name)
	assert.Equal(t, "1080p", profiles[2].Name)
}
