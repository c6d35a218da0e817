package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/streamforge/pipeline/internal/config"
	"github.com/streamforge/pipeline/internal/encoder"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/manifest"
	"github.com/streamforge/pipeline/internal/metrics"
	"github.com/streamforge/pipeline/internal/scheduler"
	"github.com/streamforge/pipeline/pkg/models"
)

// Repository is the slice of persistence the workers need. Satisfied by
// internal/database.Repository.
type Repository interface {
	TransitionJobStatus(ctx context.Context, jobID string, from []string, to string) (bool, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	UpdateJobProgress(ctx context.Context, jobID string, progress float64) error
	AddOutput(ctx context.Context, output *models.OutputFile) error
	UpdateVideoStatus(ctx context.Context, videoID, status string) error
	RequeueOrphanedJobs(ctx context.Context, liveWorkerIDs []string) ([]*models.Job, error)
}

// ObjectStore moves files between the local scratch directory and object
// storage. Satisfied by internal/storage.Storage.
type ObjectStore interface {
	DownloadFile(ctx context.Context, objectName, filePath string) error
	UploadFile(ctx context.Context, objectName, filePath string) error
	UploadManifest(ctx context.Context, objectName, text string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Encoder produces one rendition per call. Satisfied by encoder.FFmpeg.
type Encoder interface {
	Encode(ctx context.Context, input string, profile models.QualityProfile, format, outputDir string, progressCB encoder.ProgressFunc) ([]models.OutputFile, error)
}

// DeadLetterer parks permanently failed jobs for out-of-band inspection
// or replay. Satisfied by internal/queue.Queue; may be nil.
type DeadLetterer interface {
	PublishDeadLetter(ctx context.Context, job *models.Job, reason string) error
}

// Prober measures a source file. Satisfied by media.Prober.
type Prober interface {
	Probe(ctx context.Context, input string) (*models.VideoMetadata, error)
}

// Signals is the Redis-backed side channel for cancel flags, progress
// and worker liveness. Satisfied by internal/cache.Cache.
type Signals interface {
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	ClearCancel(ctx context.Context, jobID string) error
	SetJobProgress(ctx context.Context, jobID string, progress float64, ttl time.Duration) error
	RegisterHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat, ttl time.Duration) error
	RemoveWorker(ctx context.Context, workerID string) error
	ListWorkers(ctx context.Context) ([]*models.WorkerHeartbeat, error)
}

// Pool runs the worker loops of one worker process. Each loop pulls the
// highest-priority eligible job from the scheduler, claims it with an
// atomic status transition, encodes every (profile, format) pair in
// ascending bitrate order, publishes the renditions and manifests, and
// reports the outcome back to the scheduler.
type Pool struct {
	sched  *scheduler.Scheduler
	repo   Repository
	store  ObjectStore
	enc    Encoder
	prober Prober
	flags  Signals
	dlq    DeadLetterer
	cfg    config.TranscoderConfig
	log    *logging.Logger

	workerID string

	jobsProcessed atomic.Int64
	jobsSucceeded atomic.Int64
	jobsFailed    atomic.Int64
}

func NewPool(sched *scheduler.Scheduler, repo Repository, store ObjectStore, enc Encoder, prober Prober, flags Signals, dlq DeadLetterer, cfg config.TranscoderConfig, log *logging.Logger) *Pool {
	workerID := uuid.New().String()
	return &Pool{
		sched:    sched,
		repo:     repo,
		store:    store,
		enc:      enc,
		prober:   prober,
		flags:    flags,
		dlq:      dlq,
		cfg:      cfg,
		log:      log.WithWorkerID(workerID),
		workerID: workerID,
	}
}

// WorkerID returns the identity this pool registers heartbeats under.
func (p *Pool) WorkerID() string {
	return p.workerID
}

// Run starts the worker loops and the heartbeat ticker, blocking until
// the context is cancelled and all in-flight jobs have drained.
func (p *Pool) Run(ctx context.Context) {
	count := p.cfg.WorkerCount
	if count <= 0 {
		count = 1
	}

	metrics.WorkersActive.Set(float64(count))
	defer metrics.WorkersActive.Set(0)

	var wg sync.WaitGroup
	wg.Add(count + 2)

	for i := 0; i < count; i++ {
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}

	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	p.log.Infof("Worker pool started with %d loops", count)
	wg.Wait()
	p.log.Info("Worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context) {
	poll := p.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job := p.sched.DequeueNext(ctx)
			if job == nil {
				continue
			}
			p.processJob(ctx, job)
		}
	}
}

// heartbeatLoop registers this worker's liveness on a fixed timer,
// decoupled from job execution.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.flags.RemoveWorker(cleanupCtx, p.workerID)
			cancel()
			return
		case <-ticker.C:
			hb := &models.WorkerHeartbeat{
				WorkerID:      p.workerID,
				LastHeartbeat: time.Now(),
				ActiveJobs:    p.sched.ActiveJobs(),
				JobsProcessed: p.jobsProcessed.Load(),
				JobsSucceeded: p.jobsSucceeded.Load(),
				JobsFailed:    p.jobsFailed.Load(),
			}
			if err := p.flags.RegisterHeartbeat(ctx, hb, p.cfg.HeartbeatTTL); err != nil {
				p.log.ErrorWithErr("Failed to register heartbeat", err)
			}
			metrics.UpdateJobMetrics(p.sched.ActiveJobs(), p.sched.QueueDepth())
		}
	}
}

// reapLoop periodically requeues jobs stranded in the running state by
// workers whose heartbeats have expired.
func (p *Pool) reapLoop(ctx context.Context) {
	interval := p.cfg.HeartbeatTTL
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.ReapStale(ctx); err != nil {
				p.log.ErrorWithErr("Failed to reap stale jobs", err)
			} else if n > 0 {
				p.log.Infof("Requeued %d jobs from dead workers", n)
			}
		}
	}
}

// ReapStale moves every running job whose worker has no live heartbeat
// back to queued and re-enqueues it locally. The calling pool always
// counts as live, even when its own heartbeat write is lagging.
func (p *Pool) ReapStale(ctx context.Context) (int, error) {
	workers, err := p.flags.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}

	live := []string{p.workerID}
	for _, w := range workers {
		if w.WorkerID != p.workerID {
			live = append(live, w.WorkerID)
		}
	}

	orphans, err := p.repo.RequeueOrphanedJobs(ctx, live)
	if err != nil {
		return 0, err
	}

	for _, job := range orphans {
		p.log.WithJobID(job.ID).Warn("Requeued job from dead worker")
		p.sched.Enqueue(job)
	}
	return len(orphans), nil
}

// processJob owns one job from claim to terminal state. Errors are
// translated into job-status updates at this boundary; they never crash
// the worker loop.
func (p *Pool) processJob(ctx context.Context, job *models.Job) {
	log := p.log.WithJobID(job.ID).WithVideoID(job.VideoID)

	claimed, err := p.repo.TransitionJobStatus(ctx, job.ID, []string{models.JobStatusQueued}, models.JobStatusRunning)
	if err != nil {
		p.sched.Release(job.ID)
		log.ErrorWithErr("Failed to claim job", err)
		return
	}
	if !claimed {
		// Cancelled or taken by another worker between dequeue and claim.
		p.sched.Release(job.ID)
		log.Info("Job no longer claimable, skipping")
		return
	}

	p.jobsProcessed.Add(1)
	metrics.WorkerJobsProcessed.WithLabelValues(p.workerID).Inc()
	started := time.Now()

	job.Status = models.JobStatusRunning
	job.WorkerID = p.workerID
	job.StartedAt = &started
	job.NotBefore = nil
	if err := p.repo.UpdateJob(ctx, job); err != nil {
		log.ErrorWithErr("Failed to record claim", err)
	}

	log.LogJobEvent(job.ID, "claimed", job.Status)

	err = p.runJob(ctx, job, log)

	switch {
	case err == nil:
		if mcErr := p.sched.MarkCompleted(ctx, job); mcErr != nil {
			if errors.Is(mcErr, models.ErrAlreadyFinished) {
				// A cancel landed after the encode finished; the
				// cancelled state stands and the outputs go.
				p.scrubCancelled(ctx, job, log)
				metrics.RecordJobCompleted(models.JobStatusCancelled, job.Priority, time.Since(started).Seconds())
				log.LogJobEvent(job.ID, "cancelled", models.JobStatusCancelled)
				return
			}
			log.ErrorWithErr("Failed to finalize job", mcErr)
		}
		p.jobsSucceeded.Add(1)
		if err := p.repo.UpdateVideoStatus(ctx, job.VideoID, models.VideoStatusReady); err != nil {
			log.ErrorWithErr("Failed to update video status", err)
		}
		metrics.RecordJobCompleted(models.JobStatusCompleted, job.Priority, time.Since(started).Seconds())

	case p.cancelRequested(ctx, job.ID):
		// The cancel path already moved the job to its terminal state;
		// scrub anything partial so no manifest can reference it.
		p.sched.Release(job.ID)
		p.scrubCancelled(ctx, job, log)
		metrics.RecordJobCompleted(models.JobStatusCancelled, job.Priority, time.Since(started).Seconds())
		log.LogJobEvent(job.ID, "cancelled", models.JobStatusCancelled)

	default:
		p.jobsFailed.Add(1)
		metrics.RecordError("worker", errorType(err))
		ferr := p.sched.HandleFailure(ctx, job, err)
		switch {
		case errors.Is(ferr, models.ErrAlreadyFinished):
			p.scrubCancelled(ctx, job, log)
			metrics.RecordJobCompleted(models.JobStatusCancelled, job.Priority, time.Since(started).Seconds())
			log.LogJobEvent(job.ID, "cancelled", models.JobStatusCancelled)
			return
		case ferr != nil:
			log.ErrorWithErr("Failed to record job failure", ferr)
		}
		if job.Status == models.JobStatusFailed {
			if verr := p.repo.UpdateVideoStatus(ctx, job.VideoID, models.VideoStatusFailed); verr != nil {
				log.ErrorWithErr("Failed to update video status", verr)
			}
			if p.dlq != nil {
				if derr := p.dlq.PublishDeadLetter(ctx, job, err.Error()); derr != nil {
					log.ErrorWithErr("Failed to publish dead letter", derr)
				}
			}
			metrics.RecordJobCompleted(models.JobStatusFailed, job.Priority, time.Since(started).Seconds())
		}
	}
}

// scrubCancelled removes the partial outputs of a cancelled job and
// clears its cancel flag.
func (p *Pool) scrubCancelled(ctx context.Context, job *models.Job, log *logging.Logger) {
	if err := p.store.DeletePrefix(ctx, job.OutputRoot); err != nil {
		log.ErrorWithErr("Failed to clean up cancelled job outputs", err)
	}
	p.flags.ClearCancel(ctx, job.ID)
}

// runJob executes the encode pairs and publishes the results.
func (p *Pool) runJob(ctx context.Context, job *models.Job, log *logging.Logger) error {
	tempDir := filepath.Join(p.cfg.TempDir, job.ID)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	inputPath := filepath.Join(tempDir, "source"+filepath.Ext(job.Input))
	if err := p.store.DownloadFile(ctx, job.Input, inputPath); err != nil {
		return err
	}

	meta, err := p.prober.Probe(ctx, inputPath)
	if err != nil {
		return err
	}

	// jobCtx terminates the active encode subprocess when a cancel
	// request lands; the watcher polls the shared cancel flag.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	go p.watchCancel(jobCtx, job.ID, cancelJob)

	// Ascending bitrate, so low renditions publish first and the
	// manifest inputs arrive in deterministic order.
	models.SortByBitrate(job.Qualities)

	total := job.PairCount()
	completed := 0
	var outputs []models.OutputFile

	for _, format := range job.Formats {
		renditionDir := filepath.Join(tempDir, "renditions", format)

		for _, profile := range job.Qualities {
			encodeStart := time.Now()

			progressCB := func(pairProgress float64) {
				overall := (float64(completed) + pairProgress/100) / float64(total) * 100
				p.repo.UpdateJobProgress(jobCtx, job.ID, overall)
				p.flags.SetJobProgress(jobCtx, job.ID, overall, time.Hour)
				log.LogEncodeProgress(job.ID, profile.Name, format, overall)
			}

			files, err := p.enc.Encode(jobCtx, inputPath, profile, format, renditionDir, progressCB)
			if err != nil {
				metrics.RecordEncode(profile.Name, format, "error", time.Since(encodeStart).Seconds())
				return err
			}
			metrics.RecordEncode(profile.Name, format, "success", time.Since(encodeStart).Seconds())

			for _, out := range files {
				published, err := p.publishOutput(jobCtx, job, renditionDir, out)
				if err != nil {
					return err
				}
				outputs = append(outputs, published)
			}

			completed++
			overall := float64(completed) / float64(total) * 100
			p.repo.UpdateJobProgress(jobCtx, job.ID, overall)
			p.flags.SetJobProgress(jobCtx, job.ID, overall, time.Hour)
		}
	}

	if err := p.publishManifests(jobCtx, job, meta, outputs); err != nil {
		return err
	}

	metrics.VideoDurationProcessed.Add(meta.Duration)
	return nil
}

// publishOutput uploads one rendition's files and records it. Local
// paths are rewritten to object keys under the job's output root.
func (p *Pool) publishOutput(ctx context.Context, job *models.Job, renditionDir string, out models.OutputFile) (models.OutputFile, error) {
	prefix := path.Join(job.OutputRoot, out.Format)

	// HLS and DASH renditions span multiple files; upload everything
	// belonging to the profile.
	pattern := filepath.Join(renditionDir, out.ProfileName+"*")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return out, fmt.Errorf("failed to glob rendition files: %w", err)
	}

	for _, f := range files {
		key := path.Join(prefix, filepath.Base(f))
		if err := p.store.UploadFile(ctx, key, f); err != nil {
			return out, err
		}
	}

	out.JobID = job.ID
	out.VideoID = job.VideoID
	out.Path = path.Join(prefix, filepath.Base(out.Path))
	if out.PlaylistPath != "" {
		out.PlaylistPath = path.Join(prefix, filepath.Base(out.PlaylistPath))
	}

	if err := p.repo.AddOutput(ctx, &out); err != nil {
		return out, err
	}

	return out, nil
}

// publishManifests builds and uploads the master manifests once every
// rendition is in place.
func (p *Pool) publishManifests(ctx context.Context, job *models.Job, meta *models.VideoMetadata, outputs []models.OutputFile) error {
	if job.Formats.Contains(models.FormatHLS) {
		master := manifest.BuildHLSMaster(outputs)
		key := path.Join(job.OutputRoot, models.FormatHLS, manifest.MasterPlaylistName)
		if err := p.store.UploadManifest(ctx, key, master); err != nil {
			return err
		}
	}

	if job.Formats.Contains(models.FormatDASH) {
		mpd, err := manifest.BuildDASH(meta.Duration, p.cfg.HLSSegmentSeconds, outputs)
		if err != nil {
			return err
		}
		key := path.Join(job.OutputRoot, models.FormatDASH, manifest.MPDName)
		if err := p.store.UploadManifest(ctx, key, mpd); err != nil {
			return err
		}
	}

	return nil
}

// watchCancel polls the shared cancel flag and tears down the job
// context when it is raised, which kills any active ffmpeg subprocess.
func (p *Pool) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) {
	poll := p.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.flags.IsCancelRequested(ctx, jobID)
			if err != nil {
				continue
			}
			if requested {
				cancel()
				return
			}
		}
	}
}

func (p *Pool) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := p.flags.IsCancelRequested(ctx, jobID)
	return err == nil && requested
}

func errorType(err error) string {
	var inputErr *models.InputError
	var encodeErr *models.EncodeError
	var storageErr *models.StorageError

	switch {
	case errors.As(err, &inputErr), errors.Is(err, models.ErrNoVideoStream):
		return "input_error"
	case errors.As(err, &encodeErr):
		return "encode_error"
	case errors.As(err, &storageErr):
		return "storage_error"
	default:
		return "internal_error"
	}
}
