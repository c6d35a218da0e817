package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamforge/pipeline/internal/cache"
	"github.com/streamforge/pipeline/internal/config"
	"github.com/streamforge/pipeline/internal/database"
	"github.com/streamforge/pipeline/internal/encoder"
	"github.com/streamforge/pipeline/internal/logging"
	"github.com/streamforge/pipeline/internal/media"
	"github.com/streamforge/pipeline/internal/middleware"
	"github.com/streamforge/pipeline/internal/notify"
	"github.com/streamforge/pipeline/internal/queue"
	"github.com/streamforge/pipeline/internal/scheduler"
	"github.com/streamforge/pipeline/internal/session"
	"github.com/streamforge/pipeline/internal/storage"
	"github.com/streamforge/pipeline/pkg/models"
)

// API holds the handler dependencies.
type API struct {
	cfg      *config.Config
	db       *database.DB
	repo     *database.Repository
	cache    *cache.Cache
	storage  *storage.Storage
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	sessions *session.Manager
	issuer   *session.Issuer
	prober   *media.Prober
	thumbs   thumbnailer
	log      *logging.Logger
}

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

	middleware.SetJWTSecret(cfg.Streaming.TokenSecret)

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

	sched := scheduler.New(repo, &presignProber{store: store, prober: prober}, catalog,
		q, cacheClient, events, scheduler.Options{
			MaxConcurrent: cfg.Transcoder.MaxConcurrent,
			MaxAttempts:   cfg.Transcoder.MaxAttempts,
			BackoffBase:   cfg.Transcoder.BackoffBase,
			BackoffMax:    cfg.Transcoder.BackoffMax,
		}, log)

	issuer := session.NewIssuer(cfg.Streaming.TokenSecret, cfg.Streaming.TokenTTL)
	sessions := session.NewManager(cacheClient, repo, catalog, cfg.Streaming.SessionTTL, log)

	api := &API{
		cfg:      cfg,
		db:       db,
		repo:     repo,
		cache:    cacheClient,
		storage:  store,
		queue:    q,
		sched:    sched,
		sessions: sessions,
		issuer:   issuer,
		prober:   prober,
		thumbs:   encoder.New(cfg.Transcoder, log),
		log:      log,
	}

	router := setupRouter(api)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infof("API server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Forced shutdown: %v", err)
	}
}

func setupRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(api.log))

	limiter := middleware.NewRateLimiter(100, 200)
	go func() {
		for range time.Tick(5 * time.Minute) {
			limiter.Cleanup(10 * time.Minute)
		}
	}()
	router.Use(middleware.RateLimit(limiter))

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/videos", api.uploadVideo)
		v1.GET("/videos", api.listVideos)
		v1.GET("/videos/:id", api.getVideo)
		v1.GET("/videos/:id/jobs", api.listVideoJobs)
		v1.GET("/videos/:id/outputs", api.listVideoOutputs)

		v1.POST("/jobs", api.submitJob)
		v1.GET("/jobs/:id", api.getJob)
		v1.POST("/jobs/:id/cancel", api.cancelJob)

		v1.GET("/workers", api.listWorkers)

		auth := v1.Group("")
		auth.Use(middleware.JWTAuth())
		{
			auth.POST("/videos/:id/playback-token", api.issuePlaybackToken)
		}

		playback := v1.Group("/playback")
		playback.Use(middleware.PlaybackAuth(api.issuer))
		{
			playback.GET("/manifest", api.getManifest)
			playback.POST("/sessions", api.startSession)
			playback.POST("/sessions/:id/heartbeat", api.sessionHeartbeat)
			playback.DELETE("/sessions/:id", api.endSession)
		}
	}

	return router
}

// presignProber lets ffprobe inspect an object-store key by handing it a
// short-lived HTTP URL instead of a path.
type presignProber struct {
	store  *storage.Storage
	prober *media.Prober
}

func (p *presignProber) Probe(ctx context.Context, input string) (*models.VideoMetadata, error) {
	url, err := p.store.PresignedURL(ctx, input, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return p.prober.Probe(ctx, url)
}
