package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/room4-2/openconverse-voice/config"
	"github.com/room4-2/openconverse-voice/engine"
	"github.com/room4-2/openconverse-voice/functions"
	"github.com/room4-2/openconverse-voice/gemini"
	"github.com/room4-2/openconverse-voice/logging"
	"github.com/room4-2/openconverse-voice/server"
	"github.com/room4-2/openconverse-voice/session"
	"github.com/room4-2/openconverse-voice/transcript"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := connectRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return err
	}

	var artifacts functions.ArtifactStore = functions.NewMemoryArtifactStore()
	var sink engine.TranscriptSink = transcript.NewLog()
	if rdb != nil {
		artifacts = functions.NewRedisArtifactStore(rdb, cfg.TranscriptTTL)
		sink = transcript.NewRedisSink(rdb, cfg.TranscriptTTL)
	}

	registry := functions.NewRegistry(logger)
	if err := functions.RegisterBuiltins(registry, client.Models, artifacts, functions.BuiltinOptions{
		TextModel:  cfg.GeminiToolModel,
		ImageModel: cfg.GeminiImageModel,
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	validator, err := engine.NewTranscriptValidator(cfg.GarblePatterns...)
	if err != nil {
		return err
	}

	sessionManager := session.NewManager(cfg, rdb, session.Deps{
		Transport: gemini.NewTransport(client, gemini.Options{
			Model:  cfg.GeminiModel,
			Tools:  registry.Tools(),
			Logger: logger,
		}),
		Tools:     registry,
		Validator: validator,
		Sink:      sink,
		Metrics:   engine.NewMetrics(prometheus.DefaultRegisterer, "openconverse"),
		Logger:    logger,
	})
	go sessionManager.StartCleanupRoutine(ctx)

	srv := server.New(cfg, sessionManager, server.Options{Artifacts: artifacts, Logger: logger})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-sigChan:
	}
	logger.Info("received shutdown signal")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// connectRedis returns nil when Redis is unreachable; sessions, transcripts
// and artifacts then stay in memory.
func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) redis.UniversalClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, continuing without it", zap.String("addr", cfg.RedisURL), zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisURL))
	return rdb
}
