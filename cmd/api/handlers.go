package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/manifest"
	"github.com/streamforge/pipeline/internal/metrics"
	"github.com/streamforge/pipeline/internal/middleware"
	"github.com/streamforge/pipeline/internal/scheduler"
	"github.com/streamforge/pipeline/internal/session"
	"github.com/streamforge/pipeline/pkg/models"
)

func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := gin.H{"database": "ok", "cache": "ok"}
	healthy := true

	if err := api.db.Health(ctx); err != nil {
		components["database"] = err.Error()
		healthy = false
	}
	if err := api.cache.Ping(ctx); err != nil {
		components["cache"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "components": components})
}

// thumbnailer extracts a poster frame from a local file. Satisfied by
// encoder.FFmpeg.
type thumbnailer interface {
	Thumbnail(ctx context.Context, input, output string, atSeconds float64) error
}

type thumbnailStore interface {
	UploadFile(ctx context.Context, objectName, filePath string) error
}

// captureThumbnail extracts a poster frame at roughly a tenth of the
// source's duration and uploads it next to the video's other objects.
// Failures leave the video without a poster; they never fail the upload.
func captureThumbnail(ctx context.Context, enc thumbnailer, store thumbnailStore, videoID, input string, duration float64, log *logging.Logger) string {
	if enc == nil {
		return ""
	}

	at := duration * 0.1
	if at <= 0 {
		at = 1
	}

	localPath := filepath.Join(os.TempDir(), videoID+"-thumbnail.jpg")
	defer os.Remove(localPath)

	if err := enc.Thumbnail(ctx, input, localPath, at); err != nil {
		log.WithVideoID(videoID).ErrorWithErr("Failed to extract thumbnail", err)
		return ""
	}

	key := fmt.Sprintf("videos/%s/thumbnail.jpg", videoID)
	if err := store.UploadFile(ctx, key, localPath); err != nil {
		log.WithVideoID(videoID).ErrorWithErr("Failed to upload thumbnail", err)
		return ""
	}

	return key
}

// uploadVideo accepts a multipart source file, probes it, stores the
// original and registers the video record.
func (api *API) uploadVideo(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}

	videoID := uuid.New().String()
	tempPath := filepath.Join(os.TempDir(), videoID+filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, tempPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to save upload: %v", err)})
		return
	}
	defer os.Remove(tempPath)

	meta, err := api.prober.Probe(c.Request.Context(), tempPath)
	if err != nil {
		var inputErr *models.InputError
		if errors.As(err, &inputErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("probe failed: %v", err)})
		return
	}

	storageKey := fmt.Sprintf("videos/%s/original/%s", videoID, file.Filename)
	if err := api.storage.UploadFile(c.Request.Context(), storageKey, tempPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to upload: %v", err)})
		return
	}

	thumbnail := captureThumbnail(c.Request.Context(), api.thumbs, api.storage, videoID, tempPath, meta.Duration, api.log)

	video := &models.Video{
		ID:        videoID,
		Filename:  file.Filename,
		Input:     storageKey,
		Size:      file.Size,
		Duration:  meta.Duration,
		Width:     meta.Width,
		Height:    meta.Height,
		Metadata:  *meta,
		Thumbnail: thumbnail,
		Status:    models.VideoStatusPending,
	}
	if err := api.repo.CreateVideo(c.Request.Context(), video); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to create video: %v", err)})
		return
	}

	c.JSON(http.StatusCreated, video)
}

func (api *API) getVideo(c *gin.Context) {
	video, err := api.repo.GetVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, video)
}

func (api *API) listVideos(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	videos, err := api.repo.ListVideos(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"videos": videos, "limit": limit, "offset": offset})
}

func (api *API) listVideoJobs(c *gin.Context) {
	jobs, err := api.repo.ListJobsByVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (api *API) listVideoOutputs(c *gin.Context) {
	outputs, err := api.repo.ListOutputsByVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outputs": outputs})
}

type submitJobRequest struct {
	VideoID   string   `json:"video_id" binding:"required"`
	Qualities []string `json:"qualities"`
	Formats   []string `json:"formats" binding:"required"`
	Priority  string   `json:"priority"`
}

func (api *API) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	video, err := api.repo.GetVideo(c.Request.Context(), req.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ownerID, _ := middleware.GetUserID(c)
	job, err := api.sched.Submit(c.Request.Context(), scheduler.SubmitRequest{
		VideoID:   video.ID,
		OwnerID:   ownerID,
		Input:     video.Input,
		Qualities: req.Qualities,
		Formats:   req.Formats,
		Priority:  req.Priority,
	})
	if err != nil {
		var inputErr *models.InputError
		if errors.As(err, &inputErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	metrics.RecordJobCreated(job.Priority)
	c.JSON(http.StatusCreated, job)
}

func (api *API) getJob(c *gin.Context) {
	job, err := api.sched.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Running jobs report finer-grained progress through the cache. A
	// miss returns -1; the persisted value stands until the worker's
	// first progress write.
	if job.Status == models.JobStatusRunning {
		if progress, err := api.cache.GetJobProgress(c.Request.Context(), job.ID); err == nil && progress >= 0 {
			job.Progress = progress
		}
	}

	c.JSON(http.StatusOK, job)
}

func (api *API) cancelJob(c *gin.Context) {
	jobID := c.Param("id")
	err := api.sched.Cancel(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": models.JobStatusCancelled})
	case errors.Is(err, models.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, models.ErrAlreadyFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (api *API) listWorkers(c *gin.Context) {
	workers, err := api.cache.ListWorkers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

type playbackTokenRequest struct {
	AllowedIPs  []string `json:"allowed_ips"`
	MaxSessions int      `json:"max_sessions"`
	MaxQuality  string   `json:"max_quality"`
	TTLSeconds  int      `json:"ttl_seconds"`
}

// issuePlaybackToken mints a signed playback token for a ready video.
func (api *API) issuePlaybackToken(c *gin.Context) {
	videoID := c.Param("id")
	video, err := api.repo.GetVideo(c.Request.Context(), videoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if video.Status != models.VideoStatusReady {
		c.JSON(http.StatusConflict, gin.H{"error": "video is not ready for playback"})
		return
	}

	var req playbackTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, _ := middleware.GetUserID(c)
	opts := session.TokenOptions{
		AllowedIPs:  req.AllowedIPs,
		MaxSessions: req.MaxSessions,
		MaxQuality:  req.MaxQuality,
	}
	if req.TTLSeconds > 0 {
		opts.TTL = time.Duration(req.TTLSeconds) * time.Second
	}

	token, err := api.issuer.Issue(videoID, userID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = api.cfg.Streaming.TokenTTL
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(ttl.Seconds())})
}

// getManifest returns a short-lived URL for the master playlist or MPD of
// the video named by the playback token.
func (api *API) getManifest(c *gin.Context) {
	claims, ok := middleware.GetPlaybackClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing playback token"})
		return
	}

	format := c.DefaultQuery("format", models.FormatHLS)
	var key string
	switch format {
	case models.FormatHLS:
		key = fmt.Sprintf("videos/%s/renditions/hls/%s", claims.VideoID, manifest.MasterPlaylistName)
	case models.FormatDASH:
		key = fmt.Sprintf("videos/%s/renditions/dash/%s", claims.VideoID, manifest.MPDName)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported manifest format"})
		return
	}

	url, err := api.storage.PresignedURL(c.Request.Context(), key, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"format": format, "url": url})
}

type startSessionRequest struct {
	BandwidthKbps int    `json:"bandwidth_kbps"`
	DeviceClass   string `json:"device_class"`
}

func (api *API) startSession(c *gin.Context) {
	claims, ok := middleware.GetPlaybackClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing playback token"})
		return
	}

	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DeviceClass == "" {
		req.DeviceClass = models.DeviceClassDesktop
	}

	result, err := api.sessions.StartSession(c.Request.Context(), session.StartRequest{
		VideoID:       claims.VideoID,
		UserID:        claims.UserID,
		BandwidthKbps: req.BandwidthKbps,
		DeviceClass:   req.DeviceClass,
		MaxSessions:   claims.MaxSessions,
		MaxQuality:    claims.MaxQuality,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrVideoNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no playable renditions for video"})
		case errors.Is(err, models.ErrTooManySessions):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	metrics.RecordSessionStarted(req.DeviceClass)
	c.JSON(http.StatusCreated, gin.H{
		"session":         result.Session,
		"initial_quality": result.InitialQuality,
		"manifest_path":   result.ManifestPath,
	})
}

type heartbeatRequest struct {
	WatchTime     float64 `json:"watch_time"`
	BufferSeconds float64 `json:"buffer_seconds"`
	BandwidthKbps int     `json:"bandwidth_kbps"`
}

func (api *API) sessionHeartbeat(c *gin.Context) {
	claims, ok := middleware.GetPlaybackClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing playback token"})
		return
	}
	sessionID := c.Param("id")

	sess, err := api.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess.UserID != claims.UserID || sess.VideoID != claims.VideoID {
		c.JSON(http.StatusForbidden, gin.H{"error": "session does not belong to this token"})
		return
	}

	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	qualitySwitch, err := api.sessions.Heartbeat(c.Request.Context(), sessionID,
		req.WatchTime, req.BufferSeconds, req.BandwidthKbps)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if qualitySwitch != nil {
		metrics.RecordQualitySwitch(qualitySwitch.Reason)
	}
	c.JSON(http.StatusOK, gin.H{"switch": qualitySwitch})
}

func (api *API) endSession(c *gin.Context) {
	claims, ok := middleware.GetPlaybackClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing playback token"})
		return
	}
	sessionID := c.Param("id")

	sess, err := api.sessions.GetSession(c.Request.Context(), sessionID)
	if err == nil && (sess.UserID != claims.UserID || sess.VideoID != claims.VideoID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "session does not belong to this token"})
		return
	}

	if err := api.sessions.EndSession(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
