// Package main runs the presentation sync HTTP server with the realtime socket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lessonlink/presenter-sync/config"
	"github.com/lessonlink/presenter-sync/internal/archive"
	"github.com/lessonlink/presenter-sync/internal/auth"
	"github.com/lessonlink/presenter-sync/internal/middleware"
	"github.com/lessonlink/presenter-sync/internal/presentation"
	"github.com/lessonlink/presenter-sync/internal/realtime"
	"github.com/lessonlink/presenter-sync/internal/sessions"
	"github.com/lessonlink/presenter-sync/internal/worker"
	"github.com/lessonlink/presenter-sync/pkg/database"
	"github.com/lessonlink/presenter-sync/pkg/metrics"
	"github.com/lessonlink/presenter-sync/pkg/queue"
	"github.com/lessonlink/presenter-sync/pkg/redis"
	"github.com/lessonlink/presenter-sync/pkg/response"
	"github.com/lessonlink/presenter-sync/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	ctx := context.Background()
	registry := sessions.NewRegistry(logger)
	tokens := auth.NewPresenterTokens(cfg.Auth.PresenterSecret, cfg.Auth.PresenterTokenTTL)

	var rtOpts []realtime.Option
	if tokens.Enabled() {
		rtOpts = append(rtOpts, realtime.WithPresenterAuth(tokens.Authorize))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		rtOpts = append(rtOpts, realtime.WithBridge(realtime.NewRedisBridge(rdb.Client, cfg.InstanceID, logger)))
	}

	// Archive: summaries in Postgres, content in S3, jobs through Redis.
	var lister presentation.ArchiveLister
	var runner *worker.Runner
	if cfg.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}

		repo := archive.NewRepository(pool)
		content := newContentStore(ctx, cfg, logger)
		lister = archive.NewLister(repo, content, logger)

		if rdb != nil {
			jobs := queue.NewQueue(rdb.Client, cfg.Archive.MaxRetries, logger)
			registry.OnSessionClosed(archive.NewRecorder(jobs, logger).SessionClosed)
			if cfg.Archive.InProcess {
				runner = worker.NewRunner(jobs, archive.NewProcessor(repo, content, logger), 0, logger)
			}
		} else {
			logger.Warn("archive recording disabled: redis not configured")
		}
	}

	rt := realtime.NewServer(registry, realtime.Config{
		PingInterval:   cfg.Realtime.PingInterval,
		PongWait:       cfg.Realtime.PongWait,
		WriteWait:      cfg.Realtime.WriteWait,
		SendBuffer:     cfg.Realtime.SendBuffer,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, logger, rtOpts...)
	handler := presentation.NewHandler(registry, rt, tokens, lister, logger)

	janitor := sessions.NewJanitor(registry, cfg.Session.SweepInterval, cfg.Session.IdleTimeout, logger)
	janitor.Start()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", cfg.Metrics.Path, "/sessions/:code/commands"))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "sessions": registry.Stats().TotalSessions})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	// Realtime socket; the legacy route takes the code from join-session.
	router.GET("/ws", rt.ServeWs)
	router.GET("/ws/:code", rt.ServeWs)

	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup
	if runner != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			runner.Run(workerCtx)
		}()
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	// Hijacked sockets outlive Shutdown; closing the registry drops them and queues final archives.
	janitor.Stop()
	rt.Close()
	workerCancel()
	workers.Wait()
	logger.Info("server stopped")
}

// newContentStore returns the S3 archive store, or nil when no bucket is configured or S3 is unreachable.
func newContentStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) archive.ContentStore {
	if cfg.AWS.ArchiveBucket == "" {
		return nil
	}
	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Endpoint:             cfg.AWS.Endpoint,
		Bucket:               cfg.AWS.ArchiveBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Warn("s3 disabled", zap.Error(err))
		return nil
	}
	return s3Client
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
