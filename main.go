package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicerelay/internal/api"
	"voicerelay/internal/config"
	"voicerelay/internal/redis"
	"voicerelay/internal/service/conversation"
	"voicerelay/internal/service/relay"
	"voicerelay/internal/service/synth"
	"voicerelay/internal/service/transcribe"
	"voicerelay/internal/storage"
	"voicerelay/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load(os.Getenv("VOICERELAY_CONFIG"))
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}

	log := newLogger(cfg.BasicConfig.Environment)

	dbType := os.Getenv("VOICERELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", dbType).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// Redis mirrors turn progress for observers. The pipeline runs fine
	// without it.
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, turn progress cache disabled")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	store, err := conversation.NewService(db)
	if err != nil {
		log.Fatal().Err(err).Msg("init conversation store")
	}
	relayer, err := relay.NewService(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init relay client")
	}
	synthesizer, err := synth.NewService(cfg.Synthesis, cfg.BasicConfig.AudioDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init synthesizer")
	}
	transcriber, err := transcribe.NewService(cfg.Transcribe, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init transcriber")
	}

	pipeline := worker.NewPipeline(store, relayer, synthesizer, rdb, worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, log)

	if cfg.BasicConfig.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(store, pipeline, transcriber, db, rdb, cfg, log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("provider", cfg.BasicConfig.Provider).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}

func newLogger(environment string) zerolog.Logger {
	if environment == "production" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.DebugLevel)
}
