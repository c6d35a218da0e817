package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/streamforge/pipeline/pkg/models"
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Videos

// CreateVideo creates a new video record
func (r *Repository) CreateVideo(ctx context.Context, video *models.Video) error {
	if video.ID == "" {
		video.ID = uuid.New().String()
	}
	if video.Status == "" {
		video.Status = models.VideoStatusPending
	}

	query := `
		INSERT INTO videos (id, filename, input, size, duration, width, height, metadata, thumbnail, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		video.ID, video.Filename, video.Input, video.Size, video.Duration,
		video.Width, video.Height, video.Metadata, video.Thumbnail, video.Status,
	).Scan(&video.CreatedAt, &video.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetVideo retrieves a video by ID
func (r *Repository) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	var video models.Video

	query := `
		SELECT id, filename, input, size, duration, width, height, metadata, thumbnail, status, created_at, updated_at
		FROM videos
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&video.ID, &video.Filename, &video.Input, &video.Size, &video.Duration,
		&video.Width, &video.Height, &video.Metadata, &video.Thumbnail, &video.Status,
		&video.CreatedAt, &video.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrVideoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return &video, nil
}

// SaveVideoMetadata upserts the probe result for a source video. The row
// is created on first sight so callers can submit jobs for videos the
// upload path has not registered yet.
func (r *Repository) SaveVideoMetadata(ctx context.Context, videoID string, meta *models.VideoMetadata) error {
	query := `
		INSERT INTO videos (id, duration, width, height, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET duration = EXCLUDED.duration,
		    width = EXCLUDED.width,
		    height = EXCLUDED.height,
		    metadata = EXCLUDED.metadata,
		    status = EXCLUDED.status,
		    updated_at = NOW()
	`

	_, err := r.db.Pool.Exec(ctx, query,
		videoID, meta.Duration, meta.Width, meta.Height, meta, models.VideoStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to save video metadata: %w", err)
	}

	return nil
}

// UpdateVideoStatus updates the processing status of a video
func (r *Repository) UpdateVideoStatus(ctx context.Context, videoID, status string) error {
	query := `UPDATE videos SET status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, videoID, status)
	if err != nil {
		return fmt.Errorf("failed to update video status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVideoNotFound
	}

	return nil
}

// ListVideos retrieves videos with pagination, newest first
func (r *Repository) ListVideos(ctx context.Context, limit, offset int) ([]*models.Video, error) {
	query := `
		SELECT id, filename, input, size, duration, width, height, metadata, thumbnail, status, created_at, updated_at
		FROM videos
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		var video models.Video
		err := rows.Scan(
			&video.ID, &video.Filename, &video.Input, &video.Size, &video.Duration,
			&video.Width, &video.Height, &video.Metadata, &video.Thumbnail, &video.Status,
			&video.CreatedAt, &video.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, &video)
	}

	return videos, rows.Err()
}

// Jobs

const jobColumns = `id, video_id, owner_id, input, output_root, qualities, formats,
	status, progress, priority, attempts, max_attempts, error_msg, worker_id,
	not_before, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.VideoID, &job.OwnerID, &job.Input, &job.OutputRoot,
		&job.Qualities, &job.Formats, &job.Status, &job.Progress, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.ErrorMsg, &job.WorkerID,
		&job.NotBefore, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob creates a new transcoding job record
func (r *Repository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	query := `
		INSERT INTO jobs (id, video_id, owner_id, input, output_root, qualities, formats,
		                  status, progress, priority, attempts, max_attempts, error_msg, worker_id, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		job.ID, job.VideoID, job.OwnerID, job.Input, job.OutputRoot,
		job.Qualities, job.Formats, job.Status, job.Progress, job.Priority,
		job.Attempts, job.MaxAttempts, job.ErrorMsg, job.WorkerID, job.NotBefore,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// UpdateJob updates a job's bookkeeping columns. It never touches
// status: status moves only through TransitionJobStatus, so a stale
// writer cannot resurrect a terminal job.
func (r *Repository) UpdateJob(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET progress = $2, attempts = $3, error_msg = $4, worker_id = $5,
		    not_before = $6, started_at = $7, completed_at = $8, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.Progress, job.Attempts, job.ErrorMsg, job.WorkerID,
		job.NotBefore, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}

	return nil
}

// TransitionJobStatus atomically moves a job from one of the given states
// to another. Every cross-worker status mutation goes through here; the
// row predicate is what guarantees a job is handed to exactly one worker
// and that a cancel cannot race a completion.
func (r *Repository) TransitionJobStatus(ctx context.Context, jobID string, from []string, to string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $2,
		    started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`

	tag, err := r.db.Pool.Exec(ctx, query, jobID, to, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition job status: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// UpdateJobProgress updates only the progress column
func (r *Repository) UpdateJobProgress(ctx context.Context, jobID string, progress float64) error {
	query := `UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.db.Pool.Exec(ctx, query, jobID, progress); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// GetQueuedJobs retrieves queued jobs oldest first, used to rebuild the
// in-memory queue on startup
func (r *Repository) GetQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, models.JobStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// RequeueOrphanedJobs moves running jobs held by workers outside the
// live set back to queued and returns them for re-dispatch.
func (r *Repository) RequeueOrphanedJobs(ctx context.Context, liveWorkerIDs []string) ([]*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, worker_id = '', updated_at = NOW()
		WHERE status = $2 AND NOT (worker_id = ANY($3))
		RETURNING ` + jobColumns

	rows, err := r.db.Pool.Query(ctx, query, models.JobStatusQueued, models.JobStatusRunning, liveWorkerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ListJobsByVideo retrieves all jobs for a video, newest first
func (r *Repository) ListJobsByVideo(ctx context.Context, videoID string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE video_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// Output files

// AddOutput records an encoded rendition. The (job, profile, format)
// pair is append-only: a second insert for the same pair is a no-op, an
// existing entry is never silently overwritten.
func (r *Repository) AddOutput(ctx context.Context, output *models.OutputFile) error {
	if output.ID == "" {
		output.ID = uuid.New().String()
	}

	query := `
		INSERT INTO output_files (id, job_id, video_id, profile_name, format, path, size,
		                          bitrate, width, height, codec, segment_count, playlist_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id, profile_name, format) DO NOTHING
	`

	_, err := r.db.Pool.Exec(ctx, query,
		output.ID, output.JobID, output.VideoID, output.ProfileName, output.Format,
		output.Path, output.Size, output.Bitrate, output.Width, output.Height,
		output.Codec, output.SegmentCount, output.PlaylistPath,
	)
	if err != nil {
		return fmt.Errorf("failed to add output file: %w", err)
	}

	return nil
}

const outputColumns = `id, job_id, video_id, profile_name, format, path, size,
	bitrate, width, height, codec, segment_count, playlist_path, created_at`

func scanOutputs(rows pgx.Rows) ([]models.OutputFile, error) {
	defer rows.Close()

	var outputs []models.OutputFile
	for rows.Next() {
		var out models.OutputFile
		err := rows.Scan(
			&out.ID, &out.JobID, &out.VideoID, &out.ProfileName, &out.Format,
			&out.Path, &out.Size, &out.Bitrate, &out.Width, &out.Height,
			&out.Codec, &out.SegmentCount, &out.PlaylistPath, &out.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan output file: %w", err)
		}
		outputs = append(outputs, out)
	}

	return outputs, rows.Err()
}

// ListOutputsByJob retrieves output files for a job ordered by bitrate ascending
func (r *Repository) ListOutputsByJob(ctx context.Context, jobID string) ([]models.OutputFile, error) {
	query := `SELECT ` + outputColumns + ` FROM output_files WHERE job_id = $1 ORDER BY bitrate ASC`

	rows, err := r.db.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list output files: %w", err)
	}

	return scanOutputs(rows)
}

// ListOutputsByVideo retrieves output files for a video ordered by bitrate ascending
func (r *Repository) ListOutputsByVideo(ctx context.Context, videoID string) ([]models.OutputFile, error) {
	query := `SELECT ` + outputColumns + ` FROM output_files WHERE video_id = $1 ORDER BY bitrate ASC`

	rows, err := r.db.Pool.Query(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list output files: %w", err)
	}

	return scanOutputs(rows)
}
