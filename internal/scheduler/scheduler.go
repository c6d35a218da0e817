package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/media"
	"github.com/streamforge/pipeline/internal/metrics"
	"github.com/streamforge/pipeline/pkg/models"
)

// Repository defines the persistence operations the scheduler needs.
type Repository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	// TransitionJobStatus atomically moves a job from one of the given
	// states to another, reporting whether the transition applied.
	TransitionJobStatus(ctx context.Context, jobID string, from []string, to string) (bool, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress float64) error
	GetQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error)
	SaveVideoMetadata(ctx context.Context, videoID string, meta *models.VideoMetadata) error
}

// Prober validates and measures a source file.
type Prober interface {
	Probe(ctx context.Context, input string) (*models.VideoMetadata, error)
}

// JobPublisher hands accepted jobs to a durable transport.
type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

// CancelSignaller propagates a cancel request to whichever worker holds
// the job's subprocess.
type CancelSignaller interface {
	RequestCancel(ctx context.Context, jobID string) error
}

// Event describes a job lifecycle transition.
type Event struct {
	Type string
	Job  *models.Job
}

// Event type constants
const (
	EventJobQueued    = "job_queued"
	EventJobRetried   = "job_retried"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

// EventSink receives job lifecycle events. The caller controls delivery;
// implementations must not block.
type EventSink interface {
	Notify(Event)
}

// NopSink discards all events.
type NopSink struct{}

// Notify implements EventSink.
func (NopSink) Notify(Event) {}

// LogSink writes each job event to the structured log.
type LogSink struct {
	Log *logging.Logger
}

// Notify implements EventSink.
func (s LogSink) Notify(ev Event) {
	s.Log.LogJobEvent(ev.Job.ID, ev.Type, ev.Job.Status)
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Notify implements EventSink.
func (m MultiSink) Notify(ev Event) {
	for _, sink := range m {
		sink.Notify(ev)
	}
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Scheduler owns job intake, priority ordering, bounded-concurrency
// dispatch and the retry policy. A single dequeue hands a job to exactly
// one caller.
type Scheduler struct {
	mu        sync.Mutex
	queue     *jobQueue
	active    map[string]struct{}
	removed   map[string]struct{}
	opts      Options
	repo      Repository
	prober    Prober
	catalog   *media.Catalog
	publisher JobPublisher
	canceller CancelSignaller
	events    EventSink
	log       *logging.Logger
	now       func() time.Time
}

// New creates a scheduler. publisher may be nil, in which case accepted
// jobs stay on the in-memory priority queue for direct dequeue; canceller
// may be nil when no out-of-process workers exist.
func New(repo Repository, prober Prober, catalog *media.Catalog, publisher JobPublisher, canceller CancelSignaller, events EventSink, opts Options, log *logging.Logger) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Minute
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Hour
	}
	if events == nil {
		events = NopSink{}
	}

	return &Scheduler{
		queue:     &jobQueue{},
		active:    make(map[string]struct{}),
		removed:   make(map[string]struct{}),
		opts:      opts,
		repo:      repo,
		prober:    prober,
		catalog:   catalog,
		publisher: publisher,
		canceller: canceller,
		events:    events,
		log:       log,
		now:       time.Now,
	}
}

// Start initializes the queue, reloading any queued jobs persisted by a
// previous run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	heap.Init(s.queue)
	s.mu.Unlock()

	jobs, err := s.repo.GetQueuedJobs(ctx, 1000)
	if err != nil {
		return fmt.Errorf("failed to load queued jobs: %w", err)
	}

	for _, job := range jobs {
		s.push(job)
	}

	s.log.Infof("Scheduler started, reloaded %d queued jobs", len(jobs))
	return nil
}

// SubmitRequest describes a job submission.
type SubmitRequest struct {
	VideoID   string
	OwnerID   string
	Input     string
	Qualities []string
	Formats   []string
	Priority  string
}

// Submit validates the source, resolves the applicable quality profiles
// and enqueues a new job.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if len(req.Formats) == 0 {
		return nil, fmt.Errorf("at least one output format is required")
	}
	for _, format := range req.Formats {
		if !models.ValidFormat(format) {
			return nil, fmt.Errorf("unsupported output format: %s", format)
		}
	}
	if req.Priority == "" {
		req.Priority = models.JobPriorityMedium
	}
	if !models.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("unknown priority: %s", req.Priority)
	}

	meta, err := s.prober.Probe(ctx, req.Input)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SaveVideoMetadata(ctx, req.VideoID, meta); err != nil {
		return nil, fmt.Errorf("failed to save video metadata: %w", err)
	}

	profiles := s.catalog.ApplicableProfiles(meta.Width, meta.Height, req.Qualities)
	if len(profiles) == 0 {
		return nil, &models.InputError{
			Input: req.Input,
			Err:   fmt.Errorf("source resolution %dx%d below smallest profile", meta.Width, meta.Height),
		}
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		VideoID:     req.VideoID,
		OwnerID:     req.OwnerID,
		Input:       req.Input,
		OutputRoot:  fmt.Sprintf("videos/%s/renditions", req.VideoID),
		Qualities:   profiles,
		Formats:     req.Formats,
		Status:      models.JobStatusQueued,
		Priority:    req.Priority,
		MaxAttempts: s.opts.MaxAttempts,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to publish job: %w", err)
		}
	} else {
		s.push(job)
	}

	s.events.Notify(Event{Type: EventJobQueued, Job: job})
	s.log.WithJobID(job.ID).Infof("Job submitted with %d profiles, formats %v, priority %s",
		len(profiles), req.Formats, req.Priority)

	return job, nil
}

// Enqueue places an externally received job on the priority queue.
// Used by the worker process when consuming from the durable transport.
func (s *Scheduler) Enqueue(job *models.Job) {
	s.push(job)
}

func (s *Scheduler) push(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	heap.Push(s.queue, &queueItem{
		Job:       job,
		Weight:    models.PriorityWeight(job.Priority),
		Timestamp: s.now(),
	})
}

// DequeueNext hands the highest-priority eligible job to the caller, or
// nil when the queue is empty, every eligible job is under retry backoff,
// or the concurrency ceiling is reached.
func (s *Scheduler) DequeueNext(ctx context.Context) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= s.opts.MaxConcurrent {
		return nil
	}

	now := s.now()
	var held []*queueItem
	var picked *models.Job

	for s.queue.Len() > 0 {
		item := heap.Pop(s.queue).(*queueItem)

		if _, gone := s.removed[item.Job.ID]; gone {
			delete(s.removed, item.Job.ID)
			continue
		}

		if !item.Job.Eligible(now) {
			held = append(held, item)
			continue
		}

		picked = item.Job
		break
	}

	// Jobs still under backoff go back on the queue
	for _, item := range held {
		heap.Push(s.queue, item)
	}

	if picked == nil {
		return nil
	}

	s.active[picked.ID] = struct{}{}
	return picked
}

// GetStatus returns the current persisted state of a job.
func (s *Scheduler) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// Cancel terminates a job. Queued jobs are removed from the queue;
// running jobs have their subprocess cancelled through the signaller.
// Returns ErrAlreadyFinished when the job is already terminal.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return models.ErrAlreadyFinished
	}

	ok, err := s.repo.TransitionJobStatus(ctx, jobID,
		[]string{models.JobStatusQueued, models.JobStatusRunning}, models.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if !ok {
		return models.ErrAlreadyFinished
	}

	s.mu.Lock()
	s.removed[jobID] = struct{}{}
	delete(s.active, jobID)
	s.mu.Unlock()

	if s.canceller != nil {
		if err := s.canceller.RequestCancel(ctx, jobID); err != nil {
			s.log.WithJobID(jobID).ErrorWithErr("Failed to signal cancel", err)
		}
	}

	job.Status = models.JobStatusCancelled
	s.events.Notify(Event{Type: EventJobCancelled, Job: job})
	s.log.WithJobID(jobID).Info("Job cancelled")

	return nil
}

// HandleFailure applies the retry policy after a job attempt failed.
// Retryable failures below the attempt limit re-enqueue the job with an
// exponential backoff delay; everything else marks it failed. Returns
// ErrAlreadyFinished when a concurrent cancel already made the job
// terminal, in which case the terminal state stands.
func (s *Scheduler) HandleFailure(ctx context.Context, job *models.Job, cause error) error {
	s.release(job.ID)

	job.Attempts++
	job.ErrorMsg = cause.Error()

	if models.IsRetryable(cause) && job.Attempts <= job.MaxAttempts {
		ok, err := s.repo.TransitionJobStatus(ctx, job.ID,
			[]string{models.JobStatusRunning}, models.JobStatusQueued)
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		if !ok {
			s.log.WithJobID(job.ID).Warn("Job no longer running, retry dropped")
			return models.ErrAlreadyFinished
		}

		notBefore := s.now().Add(s.backoff(job.Attempts))
		job.Status = models.JobStatusQueued
		job.Progress = 0
		job.NotBefore = &notBefore
		job.WorkerID = ""

		if err := s.repo.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("failed to record retry: %w", err)
		}

		s.push(job)
		metrics.JobRetriesTotal.Inc()
		s.events.Notify(Event{Type: EventJobRetried, Job: job})
		s.log.WithJobID(job.ID).Warnf("Job attempt %d/%d failed, retrying after %s: %v",
			job.Attempts, job.MaxAttempts, s.backoff(job.Attempts), cause)
		return nil
	}

	ok, err := s.repo.TransitionJobStatus(ctx, job.ID,
		[]string{models.JobStatusRunning}, models.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if !ok {
		s.log.WithJobID(job.ID).Warn("Job no longer running, failure dropped")
		return models.ErrAlreadyFinished
	}

	job.Status = models.JobStatusFailed
	now := s.now()
	job.CompletedAt = &now

	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	s.events.Notify(Event{Type: EventJobFailed, Job: job})
	s.log.WithJobID(job.ID).ErrorWithErr("Job failed permanently", cause)
	return nil
}

// MarkCompleted finalizes a successfully processed job. Returns
// ErrAlreadyFinished when a concurrent cancel won the race; the encode
// output must then be treated as cancelled, not completed.
func (s *Scheduler) MarkCompleted(ctx context.Context, job *models.Job) error {
	s.release(job.ID)

	ok, err := s.repo.TransitionJobStatus(ctx, job.ID,
		[]string{models.JobStatusRunning}, models.JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if !ok {
		s.log.WithJobID(job.ID).Warn("Job no longer running, completion dropped")
		return models.ErrAlreadyFinished
	}

	job.Status = models.JobStatusCompleted
	job.Progress = 100
	now := s.now()
	job.CompletedAt = &now

	if err := s.repo.UpdateJobProgress(ctx, job.ID, 100); err != nil {
		return fmt.Errorf("failed to record final progress: %w", err)
	}

	s.events.Notify(Event{Type: EventJobCompleted, Job: job})
	s.log.WithJobID(job.ID).Info("Job completed")
	return nil
}

// Release frees a job's concurrency slot without touching its persisted
// state. Used when a dequeued job turns out to be claimed or cancelled
// elsewhere.
func (s *Scheduler) Release(jobID string) {
	s.release(jobID)
}

// release frees a concurrency slot.
func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}

// backoff computes the retry delay for the given attempt count:
// min(base * 2^attempts, max).
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.opts.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	return delay
}

// QueueDepth returns the number of jobs waiting on the queue.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// ActiveJobs returns the number of dispatched, unfinished jobs.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
