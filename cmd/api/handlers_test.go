package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/pipeline/internal/cache"
	"github.com/streamforge/pipeline/internal/config"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/media"
	"github.com/streamforge/pipeline/internal/scheduler"
	"github.com/streamforge/pipeline/internal/session"
	"github.com/streamforge/pipeline/pkg/models"
)

type stubJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newStubJobStore() *stubJobStore {
	return &stubJobStore{jobs: make(map[string]*models.Job)}
}

func (s *stubJobStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *stubJobStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *stubJobStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	if existing, ok := s.jobs[job.ID]; ok {
		clone.Status = existing.Status
	}
	s.jobs[job.ID] = &clone
	return nil
}

func (s *stubJobStore) UpdateJobProgress(_ context.Context, jobID string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Progress = progress
	}
	return nil
}

func (s *stubJobStore) TransitionJobStatus(_ context.Context, jobID string, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if job.Status == f {
			job.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *stubJobStore) GetQueuedJobs(_ context.Context, _ int) ([]*models.Job, error) {
	return nil, nil
}

func (s *stubJobStore) SaveVideoMetadata(_ context.Context, _ string, _ *models.VideoMetadata) error {
	return nil
}

type stubProber struct{}

func (stubProber) Probe(_ context.Context, _ string) (*models.VideoMetadata, error) {
	return &models.VideoMetadata{Duration: 60, Width: 1920, Height: 1080}, nil
}

type stubOutputs struct {
	byVideo map[string][]models.OutputFile
}

func (s *stubOutputs) ListOutputsByVideo(_ context.Context, videoID string) ([]models.OutputFile, error) {
	return s.byVideo[videoID], nil
}

func renditions(videoID string, names ...string) []models.OutputFile {
	var outputs []models.OutputFile
	for _, name := range names {
		outputs = append(outputs, models.OutputFile{
			VideoID:      videoID,
			ProfileName:  name,
			Format:       models.FormatHLS,
			PlaylistPath: fmt.Sprintf("videos/%s/renditions/hls/%s.m3u8", videoID, name),
		})
	}
	return outputs
}

func newTestAPI(t *testing.T) (*API, *stubJobStore, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	cacheClient, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { cacheClient.Close() })

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	jobs := newStubJobStore()
	catalog := media.NewDefaultCatalog()
	sched := scheduler.New(jobs, stubProber{}, catalog, nil, cacheClient, nil, scheduler.Options{
		MaxConcurrent: 2,
		MaxAttempts:   3,
	}, log)

	outputs := &stubOutputs{byVideo: map[string][]models.OutputFile{
		"vid-1": renditions("vid-1", "240p", "480p", "720p", "1080p"),
	}}

	issuer := session.NewIssuer("handler-test-secret", time.Hour)
	sessions := session.NewManager(cacheClient, outputs, catalog, time.Minute, log)

	api := &API{
		cfg: &config.Config{
			Streaming: config.StreamingConfig{TokenTTL: time.Hour, SessionTTL: time.Minute},
		},
		cache:    cacheClient,
		sched:    sched,
		sessions: sessions,
		issuer:   issuer,
		log:      log,
	}
	return api, jobs, setupRouter(api)
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetJob(t *testing.T) {
	_, jobs, router := newTestAPI(t)
	jobs.jobs["job-1"] = &models.Job{ID: "job-1", VideoID: "vid-1", Status: models.JobStatusQueued}

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/job-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "job-1", got.ID)
	require.Equal(t, models.JobStatusQueued, got.Status)
}

func TestGetJobNotFound(t *testing.T) {
	_, _, router := newTestAPI(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/missing", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobRunningMergesCachedProgress(t *testing.T) {
	api, jobs, router := newTestAPI(t)
	jobs.jobs["job-2"] = &models.Job{ID: "job-2", Status: models.JobStatusRunning, Progress: 10}
	require.NoError(t, api.cache.SetJobProgress(context.Background(), "job-2", 42.5, time.Minute))

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/job-2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, 42.5, got.Progress)
}

func TestGetJobRunningWithoutCachedProgress(t *testing.T) {
	_, jobs, router := newTestAPI(t)
	jobs.jobs["job-2"] = &models.Job{ID: "job-2", Status: models.JobStatusRunning, Progress: 10}

	// No cached snapshot yet: the persisted progress stands and the
	// response stays within 0-100.
	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/job-2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, float64(10), got.Progress)
}

func TestCancelJob(t *testing.T) {
	_, jobs, router := newTestAPI(t)
	jobs.jobs["job-3"] = &models.Job{ID: "job-3", Status: models.JobStatusQueued}

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/job-3/cancel", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.JobStatusCancelled, jobs.jobs["job-3"].Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/jobs/job-3/cancel", "", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/jobs/missing/cancel", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlaybackSessionFlow(t *testing.T) {
	api, _, router := newTestAPI(t)
	token, err := api.issuer.Issue("vid-1", "user-1", session.TokenOptions{})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/v1/playback/sessions", token,
		gin.H{"bandwidth_kbps": 4000, "device_class": models.DeviceClassDesktop})
	require.Equal(t, http.StatusCreated, w.Code)

	var started struct {
		Session        models.StreamingSession `json:"session"`
		InitialQuality models.QualityProfile   `json:"initial_quality"`
		ManifestPath   string                  `json:"manifest_path"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.Equal(t, "720p", started.InitialQuality.Name)
	require.NotEmpty(t, started.Session.ID)
	require.NotEmpty(t, started.ManifestPath)

	// Low buffer forces a down-switch.
	w = doJSON(t, router, http.MethodPost, "/api/v1/playback/sessions/"+started.Session.ID+"/heartbeat", token,
		gin.H{"watch_time": 12.0, "buffer_seconds": 2.0, "bandwidth_kbps": 4000})
	require.Equal(t, http.StatusOK, w.Code)

	var hb struct {
		Switch *models.QualitySwitch `json:"switch"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hb))
	require.NotNil(t, hb.Switch)
	require.Equal(t, models.SwitchReasonBuffer, hb.Switch.Reason)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/playback/sessions/"+started.Session.ID, token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestPlaybackRequiresToken(t *testing.T) {
	_, _, router := newTestAPI(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/playback/sessions", "",
		gin.H{"bandwidth_kbps": 4000})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHeartbeatRejectsForeignSession(t *testing.T) {
	api, _, router := newTestAPI(t)
	ownerToken, err := api.issuer.Issue("vid-1", "user-1", session.TokenOptions{})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/v1/playback/sessions", ownerToken,
		gin.H{"bandwidth_kbps": 4000, "device_class": models.DeviceClassDesktop})
	require.Equal(t, http.StatusCreated, w.Code)
	var started struct {
		Session models.StreamingSession `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	otherToken, err := api.issuer.Issue("vid-1", "user-2", session.TokenOptions{})
	require.NoError(t, err)

	w = doJSON(t, router, http.MethodPost, "/api/v1/playback/sessions/"+started.Session.ID+"/heartbeat", otherToken,
		gin.H{"watch_time": 1.0, "buffer_seconds": 10.0, "bandwidth_kbps": 4000})
	require.Equal(t, http.StatusForbidden, w.Code)
}

type stubThumbnailer struct {
	err error
	at  float64
}

func (s *stubThumbnailer) Thumbnail(_ context.Context, _ string, output string, atSeconds float64) error {
	s.at = atSeconds
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(output, []byte("jpeg"), 0644)
}

type stubThumbStore struct {
	keys []string
}

func (s *stubThumbStore) UploadFile(_ context.Context, objectName, _ string) error {
	s.keys = append(s.keys, objectName)
	return nil
}

func TestCaptureThumbnail(t *testing.T) {
	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	enc := &stubThumbnailer{}
	store := &stubThumbStore{}

	key := captureThumbnail(context.Background(), enc, store, "vid-1", "/tmp/source.mp4", 60, log)
	require.Equal(t, "videos/vid-1/thumbnail.jpg", key)
	require.Equal(t, []string{"videos/vid-1/thumbnail.jpg"}, store.keys)
	require.InDelta(t, 6.0, enc.at, 0.001, "frame taken a tenth of the way in")
}

func TestCaptureThumbnailFailureIsNonFatal(t *testing.T) {
	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	enc := &stubThumbnailer{err: errors.New("ffmpeg not found")}
	store := &stubThumbStore{}

	key := captureThumbnail(context.Background(), enc, store, "vid-1", "/tmp/source.mp4", 60, log)
	require.Empty(t, key, "extraction failure leaves the video without a poster")
	require.Empty(t, store.keys)
}
