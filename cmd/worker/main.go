package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamforge/pipeline/internal/cache"
	"github.com/streamforge/pipeline/internal/config"
	"github.com/streamforge/pipeline/internal/database"
	"github.com/streamforge/pipeline/internal/encoder"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/media"
	"github.com/streamforge/pipeline/internal/metrics"
	"github.com/streamforge/pipeline/internal/notify"
	"github.com/streamforge/pipeline/internal/queue"
	"github.com/streamforge/pipeline/internal/scheduler"
	"github.com/streamforge/pipeline/internal/storage"
	"github.com/streamforge/pipeline/internal/worker"
	"github.com/streamforge/pipeline/pkg/models"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	cacheClient, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cacheClient.Close()

	store, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to object storage: %v", err)
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		log.Fatalf("Failed to connect to message queue: %v", err)
	}
	defer q.Close()

	catalog := media.NewDefaultCatalog()
	prober := media.NewProber(cfg.Transcoder.FFprobePath)

	events := scheduler.MultiSink{scheduler.LogSink{Log: log}}
	if len(cfg.Webhooks.Endpoints) > 0 {
		events = append(events, notify.NewWebhook(cfg.Webhooks.Endpoints, cfg.Webhooks.Secret, log))
	}

	// Worker-side scheduler: jobs arrive over the durable queue, so no
	// publisher; cancels propagate through the shared cache.
	sched := scheduler.New(repo, prober, catalog, nil, cacheClient,
		events, scheduler.Options{
			MaxConcurrent: cfg.Transcoder.MaxConcurrent,
			MaxAttempts:   cfg.Transcoder.MaxAttempts,
			BackoffBase:   cfg.Transcoder.BackoffBase,
			BackoffMax:    cfg.Transcoder.BackoffMax,
		}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down worker")
		cancel()
	}()

	// Reload any jobs that were queued before this process started.
	if err := sched.Start(ctx); err != nil {
		log.Errorf("Failed to reload queued jobs: %v", err)
	}

	go func() {
		err := q.ConsumeJobs(ctx, cfg.Transcoder.WorkerCount, func(job *models.Job) error {
			sched.Enqueue(job)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			log.Fatalf("Failed to consume jobs: %v", err)
		}
	}()

	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort)
	go func() {
		if err := metricsSrv.Start(); err != nil {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	enc := encoder.New(cfg.Transcoder, log)
	pool := worker.NewPool(sched, repo, store, enc, prober, cacheClient, q, cfg.Transcoder, log)

	log.Infof("Worker started with %d slots", cfg.Transcoder.WorkerCount)
	pool.Run(ctx)
	log.Info("Worker stopped")
}
