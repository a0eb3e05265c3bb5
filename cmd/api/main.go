package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/api"
	"github.com/bobarin/longform/internal/composer"
	"github.com/bobarin/longform/internal/config"
	"github.com/bobarin/longform/internal/db"
	"github.com/bobarin/longform/internal/effects"
	"github.com/bobarin/longform/internal/ledger"
	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/media"
	"github.com/bobarin/longform/internal/memstore"
	"github.com/bobarin/longform/internal/moderation"
	"github.com/bobarin/longform/internal/provider"
	"github.com/bobarin/longform/internal/queue"
	"github.com/bobarin/longform/internal/scheduler"
	"github.com/bobarin/longform/internal/storage"
	"github.com/bobarin/longform/internal/store"
	"github.com/bobarin/longform/internal/sweeper"
	"github.com/bobarin/longform/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("production")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.AppEnv)
	log.Info().Str("env", cfg.AppEnv).Msg("starting longform api")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Persistence
	st, blob := openStores(ctx, cfg, log)
	defer st.Close()

	// Video provider
	var gateway provider.Gateway
	switch cfg.VideoProvider {
	case "xai":
		gateway = provider.NewXAIGateway(cfg.XAIAPIKey, log)
	default:
		veo, err := provider.NewVeoGateway(ctx, cfg.GeminiKey, cfg.VeoModel, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create veo client")
		}
		gateway = veo
	}
	log.Info().Str("provider", gateway.Name()).Msg("video provider ready")

	ffmpeg, err := media.NewFFmpeg(cfg.MediaTempDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare media work dir")
	}

	// Tick chaining
	var (
		chainer worker.Chainer
		q       *queue.Queue
	)
	switch cfg.ChainMode {
	case "http":
		chainer = queue.NewHTTPChainer(cfg.PublicBaseURL, cfg.InternalTickSecret, cfg.TickCeiling, log)
		log.Info().Str("base_url", cfg.PublicBaseURL).Msg("chaining ticks over http")
	default:
		q, err = queue.New(cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to queue")
		}
		defer q.Close()
		chainer = q
		log.Info().Msg("connected to redis tick queue")
	}

	led := ledger.New(st, ledger.Pricing{
		CreditsPerSegment: cfg.CreditsPerSegment,
		UpscaleSurcharge:  cfg.UpscaleSurcharge,
	}, log)

	w := worker.New(
		st,
		led,
		scheduler.New(cfg.SchedulerPoolSize, log),
		provider.NewPoller(gateway, cfg.PollInterval, cfg.PollMaxAttempts, log),
		blob,
		composer.New(blob, ffmpeg, log),
		chainer,
		effects.New(st, effects.DefaultConfig(), log),
		worker.Options{
			TickCeiling:        cfg.TickCeiling,
			TickSafetyMargin:   cfg.TickSafetyMargin,
			BatchEstimate:      cfg.BatchEstimate,
			MaxSegmentAttempts: cfg.MaxSegmentAttempts,
		},
		log,
	)

	if cfg.WorkerEnabled {
		if q != nil {
			go q.RunPromoter(ctx, time.Second)
			go w.Start(ctx, q, cfg.TickConsumers)
		}
		if err := sweeper.New(st, chainer, cfg.StaleAfter, log).Start(ctx, cfg.SweepInterval); err != nil {
			log.Fatal().Err(err).Msg("failed to start sweeper")
		}
	} else {
		log.Info().Msg("worker disabled, ticks run only through the internal endpoint")
	}

	moderator := moderation.New(cfg.OpenAIKey, log)
	if !moderator.Enabled() {
		log.Info().Msg("prompt moderation disabled (no OPENAI_API_KEY)")
	}

	// Create API handler
	handler := api.NewHandler(st, led, w, chainer, moderator, api.Limits{
		SegmentCapSeconds:       cfg.SegmentCapSeconds,
		MaxTotalDurationSeconds: cfg.MaxTotalDurationSeconds,
		FastPathMaxSegments:     cfg.FastPathMaxSegments,
	}, log)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		InternalSecret:     cfg.InternalTickSecret,
		Logger:             log,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Fast-path requests and internal ticks may run for a full tick.
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TickCeiling + time.Minute,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("api server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	// Stop consumers, promoter and sweeper
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

// openStores picks the persistence backends for STORE_DRIVER.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, storage.Blob) {
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return memstore.New(), storage.NewMemory(cfg.PublicBaseURL + "/media")
	}

	database, err := db.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("connected to database")

	blob := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log)
	log.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("initialized supabase storage")
	return database, blob
}
