package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/auth"
	"github.com/makeasinger/automix/internal/client"
	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/handler"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/progress"
	"github.com/makeasinger/automix/internal/server"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/internal/session"
	"github.com/makeasinger/automix/internal/strategy"
	ws "github.com/makeasinger/automix/internal/websocket"
	"github.com/makeasinger/automix/internal/worker"
)

// @title          automix API
// @version        1.0
// @description    Upload tracks, sequence them harmonically and render a continuous DJ mix.
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLog.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	if err := os.MkdirAll(cfg.Mix.SessionRoot, 0o755); err != nil {
		appLog.Fatal("cannot create session root", "path", cfg.Mix.SessionRoot, "error", err)
	}

	// Session core
	store := session.NewStore(redisClient, cfg.Mix.SessionTTL)
	workspace := session.NewWorkspace(cfg.Mix.SessionRoot, redisClient)
	bus := progress.NewBus(redisClient, appLog)
	machine := session.NewMachine(store, bus, appLog)

	settingsService := service.NewSettingsService(redisClient, &cfg.Mix, validate)
	sessionService := service.NewSessionService(machine, workspace, asynqClient, &cfg.Mix, appLog)

	// Strategy: sample library, decision service, fallback defaults
	library := strategy.NewLibrary("", nil)
	if cfg.Mix.SampleManifest != "" {
		library, err = strategy.LoadLibrary(cfg.Mix.SampleManifest)
		if err != nil {
			appLog.Warn("sample library not loaded, overlays disabled", "manifest", cfg.Mix.SampleManifest, "error", err)
			library = strategy.NewLibrary("", nil)
		} else {
			appLog.Info("sample library loaded", "samples", library.Len())
		}
	}
	decisionClient := client.NewDecisionClient(&cfg.Decision)
	if !decisionClient.IsConfigured() {
		appLog.Info("decision service not configured, using default strategy")
	}
	resolver := strategy.NewResolver(library, appLog,
		strategy.NewDecisionSource(decisionClient, cfg.Decision.Timeout, appLog))

	analyzer := client.NewAnalyzer(&cfg.Analysis)
	toolchain := client.NewFFmpegToolchain(&cfg.Toolchain)

	// Archive (optional - continues if not configured)
	var archive client.Archiver
	if cfg.Archive.AccessKeyID != "" && cfg.Archive.SecretAccessKey != "" {
		archiveClient, err := client.NewArchiveClient(&cfg.Archive)
		if err != nil {
			appLog.Warn("archive client not initialized", "error", err)
		} else {
			archive = archiveClient
		}
	}

	// OIDC verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		oidcVerifier, err := auth.NewOIDCVerifier(&cfg.OIDC, nil)
		if err != nil {
			appLog.Warn("OIDC verifier not initialized", "issuer", cfg.OIDC.Issuer, "error", err)
		} else {
			defer oidcVerifier.Close()
			tokenVerifier = oidcVerifier
			appLog.Info("OIDC verifier ready", "issuer", cfg.OIDC.Issuer, "admin_role", cfg.OIDC.AdminRole)
		}
	}
	resolverAuth := auth.NewResolver(tokenVerifier, cfg.JWT.Secret)
	if cfg.Gateway.Enabled {
		appLog.Info("gateway mode enabled, using header-based auth")
	}

	hub := ws.NewHub(bus, sessionService, appLog)
	go hub.Run(ctx)

	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := ""
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app := server.New(server.Deps{
		Config:    cfg,
		Redis:     redisClient,
		Sessions:  sessionService,
		Settings:  settingsService,
		Hub:       hub,
		Resolver:  resolverAuth,
		Validator: validate,
		Probes: map[string]handler.Probe{
			"decision": decisionClient.IsConfigured,
			"analysis": func() bool { return cfg.Analysis.ServiceURL != "" },
			"archive":  func() bool { return archive != nil },
			"samples":  func() bool { return library.Len() > 0 },
			"auth":     func() bool { return cfg.Gateway.Enabled || resolverAuth.Configured() },
		},
		AccessLog: true,
		LogFormat: logFormat,
	})

	// Start Asynq worker server
	if cfg.Worker.Enabled {
		workers := workerSet{
			pipeline: worker.NewPipelineWorker(machine, workspace, analyzer, resolver, settingsService,
				asynqClient, &cfg.Mix, cfg.Analysis.Parallelism, appLog),
			segment:  worker.NewSegmentWorker(machine, workspace, toolchain, library, asynqClient, cfg.Mix.RenderRetries, appLog),
			finalize: worker.NewFinalizeWorker(machine, workspace, toolchain, archive, appLog),
			sweep:    worker.NewSweepWorker(store, workspace, appLog),
		}
		go startWorkerServer(ctx, cfg, redisOpt, workers, appLog)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		appLog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLog.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLog.Info("server starting", "addr", addr, "session_root", cfg.Mix.SessionRoot)
	if err := app.Listen(addr); err != nil {
		appLog.Fatal("server error", "error", err)
	}
}

type workerSet struct {
	pipeline *worker.PipelineWorker
	segment  *worker.SegmentWorker
	finalize *worker.FinalizeWorker
	sweep    *worker.SweepWorker
}

func startWorkerServer(ctx context.Context, cfg *config.Config, redisOpt asynq.RedisClientOpt, w workerSet, appLog *logger.Logger) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				service.QueueRender:   cfg.Worker.RenderWeight,
				service.QueuePipeline: cfg.Worker.PipelineWeight,
			},
			Logger:   logger.NewAsynqLogger(appLog),
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePipeline, w.pipeline.ProcessTask)
	mux.HandleFunc(service.TaskTypeSegment, w.segment.ProcessTask)
	mux.HandleFunc(service.TaskTypeFinalize, w.finalize.ProcessTask)
	mux.HandleFunc(service.TaskTypeSweep, w.sweep.ProcessTask)

	if cfg.Mix.SweepInterval > 0 {
		scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Logger:   logger.NewAsynqLogger(appLog),
			LogLevel: asynqLogLevel,
		})
		spec := fmt.Sprintf("@every %s", cfg.Mix.SweepInterval)
		if _, err := scheduler.Register(spec, service.NewSweepTask()); err != nil {
			appLog.Warn("sweep not scheduled", "spec", spec, "error", err)
		} else {
			go func() {
				if err := scheduler.Run(); err != nil {
					appLog.Error("asynq scheduler error", "error", err)
				}
			}()
		}
	}

	if err := srv.Start(mux); err != nil {
		appLog.Error("asynq worker error", "error", err)
		return
	}
	<-ctx.Done()
	srv.Shutdown()
}
