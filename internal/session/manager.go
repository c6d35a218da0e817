package session

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/manifest"
	"github.com/streamforge/pipeline/internal/media"
	"github.com/streamforge/pipeline/pkg/models"
)

// SessionStore persists session records with a TTL. Satisfied by
// internal/cache.Cache.
type SessionStore interface {
	SetSession(ctx context.Context, session *models.StreamingSession, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*models.StreamingSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	CountUserSessions(ctx context.Context, videoID, userID string) (int, error)
}

// OutputLister exposes the completed renditions of a video. Satisfied by
// internal/database.Repository.
type OutputLister interface {
	ListOutputsByVideo(ctx context.Context, videoID string) ([]models.OutputFile, error)
}

// Manager drives playback sessions: creation with an initial quality
// pick, heartbeat-driven adaptive switching, and expiry. Session state
// lives behind SessionStore so any API instance can serve any session.
type Manager struct {
	store   SessionStore
	outputs OutputLister
	catalog *media.Catalog
	ttl     time.Duration
	log     *logging.Logger

	now func() time.Time
}

func NewManager(store SessionStore, outputs OutputLister, catalog *media.Catalog, sessionTTL time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		store:   store,
		outputs: outputs,
		catalog: catalog,
		ttl:     sessionTTL,
		log:     log,
		now:     time.Now,
	}
}

// StartRequest carries everything needed to open a playback session.
// MaxSessions comes from the caller's playback token; zero means
// unlimited.
type StartRequest struct {
	VideoID       string
	UserID        string
	BandwidthKbps int
	DeviceClass   string
	MaxSessions   int
	MaxQuality    string
}

// StartResult is returned from StartSession.
type StartResult struct {
	Session        *models.StreamingSession
	InitialQuality models.QualityProfile
	ManifestPath   string
}

// StartSession opens a session for a video the pipeline has finished,
// picking the starting rendition from the client's bandwidth and device
// class.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	outputs, err := m.outputs.ListOutputsByVideo(ctx, req.VideoID)
	if err != nil {
		return nil, err
	}

	profiles := m.availableProfiles(outputs)
	if req.MaxQuality != "" {
		if ceiling, ok := m.catalog.ProfileByName(req.MaxQuality); ok {
			profiles = capProfiles(profiles, ceiling)
		}
	}
	if len(profiles) == 0 {
		return nil, models.ErrVideoNotFound
	}

	if req.MaxSessions > 0 {
		active, err := m.store.CountUserSessions(ctx, req.VideoID, req.UserID)
		if err != nil {
			return nil, err
		}
		if active >= req.MaxSessions {
			return nil, models.ErrTooManySessions
		}
	}

	initial, ok := InitialQuality(profiles, req.BandwidthKbps, req.DeviceClass)
	if !ok {
		return nil, models.ErrVideoNotFound
	}

	now := m.now()
	sess := &models.StreamingSession{
		ID:             uuid.New().String(),
		VideoID:        req.VideoID,
		UserID:         req.UserID,
		CurrentQuality: initial.Name,
		DeviceClass:    req.DeviceClass,
		StartedAt:      now,
		LastHeartbeat:  now,
		LastBandwidth:  req.BandwidthKbps,
	}

	if err := m.store.SetSession(ctx, sess, m.ttl); err != nil {
		return nil, err
	}

	m.log.WithSessionID(sess.ID).WithVideoID(req.VideoID).
		WithField("quality", initial.Name).
		WithField("device_class", req.DeviceClass).
		Info("Streaming session started")

	return &StartResult{
		Session:        sess,
		InitialQuality: initial,
		ManifestPath:   manifestLocation(outputs),
	}, nil
}

// Heartbeat records client telemetry and returns a quality-switch
// recommendation when the session should adapt. The session TTL is
// refreshed on every call.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string, watchTime, bufferSeconds float64, bandwidthKbps int) (*models.QualitySwitch, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	outputs, err := m.outputs.ListOutputsByVideo(ctx, sess.VideoID)
	if err != nil {
		return nil, err
	}
	profiles := deviceCeiling(m.availableProfiles(outputs), sess.DeviceClass)

	current, ok := m.catalog.ProfileByName(sess.CurrentQuality)
	if !ok {
		return nil, models.ErrSessionNotFound
	}

	sw := NextQuality(profiles, current, bufferSeconds, bandwidthKbps)

	sess.LastHeartbeat = m.now()
	sess.WatchTime = watchTime
	sess.LastBandwidth = bandwidthKbps
	if sw != nil {
		sess.CurrentQuality = sw.Quality
	}

	if err := m.store.SetSession(ctx, sess, m.ttl); err != nil {
		return nil, err
	}

	if sw != nil {
		m.log.WithSessionID(sessionID).
			WithField("quality", sw.Quality).
			WithField("reason", sw.Reason).
			Info("Quality switch recommended")
	}

	return sw, nil
}

// GetSession returns the current session record.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.StreamingSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// EndSession removes a session. Ending an already-expired session is not
// an error.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.log.WithSessionID(sessionID).Info("Streaming session ended")
	return nil
}

// capProfiles drops every profile taller than the entitlement ceiling.
func capProfiles(profiles []models.QualityProfile, ceiling models.QualityProfile) []models.QualityProfile {
	var kept []models.QualityProfile
	for _, p := range profiles {
		if p.Height <= ceiling.Height {
			kept = append(kept, p)
		}
	}
	return kept
}

// availableProfiles maps a video's completed renditions back to catalog
// profiles. Outputs whose profile is unknown to the catalog are skipped.
func (m *Manager) availableProfiles(outputs []models.OutputFile) []models.QualityProfile {
	seen := make(map[string]bool)
	var profiles []models.QualityProfile
	for _, out := range outputs {
		if seen[out.ProfileName] {
			continue
		}
		seen[out.ProfileName] = true
		if p, ok := m.catalog.ProfileByName(out.ProfileName); ok {
			profiles = append(profiles, p)
		}
	}
	models.SortByBitrate(profiles)
	return profiles
}

// manifestLocation picks the playback entry point: the HLS master
// playlist when HLS renditions exist, otherwise the DASH MPD.
func manifestLocation(outputs []models.OutputFile) string {
	var dashDir string
	for _, out := range outputs {
		switch out.Format {
		case models.FormatHLS:
			return path.Join(path.Dir(out.PlaylistPath), manifest.MasterPlaylistName)
		case models.FormatDASH:
			if dashDir == "" {
				dashDir = path.Dir(out.PlaylistPath)
			}
		}
	}
	if dashDir != "" {
		return path.Join(dashDir, manifest.MPDName)
	}
	return ""
}
