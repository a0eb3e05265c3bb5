package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	AppEnv             string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	InternalTickSecret string // Shared secret for /internal routes
	PublicBaseURL      string // Base URL this service is reachable at (used by CHAIN_MODE=http)

	// Persistence
	StoreDriver string // "postgres" or "memory"
	DatabaseURL string

	// Redis
	RedisURL  string
	ChainMode string // "queue" (Redis tick queue) or "http" (self-invocation)

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Video provider
	VideoProvider string // "veo" or "xai"
	GeminiKey     string
	VeoModel      string
	XAIAPIKey     string

	// OpenAI (optional prompt moderation)
	OpenAIKey string

	// Pipeline
	SegmentCapSeconds       int
	MaxTotalDurationSeconds int
	SchedulerPoolSize       int
	PollInterval            time.Duration
	PollMaxAttempts         int
	TickCeiling             time.Duration
	TickSafetyMargin        time.Duration
	BatchEstimate           time.Duration
	MaxSegmentAttempts      int
	FastPathMaxSegments     int
	MediaTempDir            string

	// Credits
	CreditsPerSegment int
	UpscaleSurcharge  int

	// Recovery
	SweepInterval time.Duration
	StaleAfter    time.Duration
	TickConsumers int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:                 getEnv("API_PORT", "8080"),
		AppEnv:                  getEnv("APP_ENV", "production"),
		WorkerEnabled:           getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:           getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:      getEnv("CORS_ALLOWED_ORIGINS", ""),
		InternalTickSecret:      getEnv("INTERNAL_TICK_SECRET", ""),
		PublicBaseURL:           getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		StoreDriver:             getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379"),
		ChainMode:               getEnv("CHAIN_MODE", "queue"),
		SupabaseURL:             getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:      getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket:   getEnv("SUPABASE_STORAGE_BUCKET", "longform-videos"),
		VideoProvider:           getEnv("VIDEO_PROVIDER", "veo"),
		GeminiKey:               getEnv("GEMINI_API_KEY", ""),
		VeoModel:                getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIAPIKey:               getEnv("XAI_API_KEY", ""),
		OpenAIKey:               getEnv("OPENAI_API_KEY", ""),
		SegmentCapSeconds:       getEnvInt("SEGMENT_CAP_SECONDS", 8),
		MaxTotalDurationSeconds: getEnvInt("MAX_TOTAL_DURATION_SECONDS", 300),
		SchedulerPoolSize:       getEnvInt("SCHEDULER_POOL_SIZE", 5),
		PollInterval:            getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:         getEnvInt("POLL_MAX_ATTEMPTS", 120),
		TickCeiling:             getEnvDuration("TICK_CEILING", 800*time.Second),
		TickSafetyMargin:        getEnvDuration("TICK_SAFETY_MARGIN", 100*time.Second),
		BatchEstimate:           getEnvDuration("BATCH_ESTIMATE", 90*time.Second),
		MaxSegmentAttempts:      getEnvInt("MAX_SEGMENT_ATTEMPTS", 2),
		FastPathMaxSegments:     getEnvInt("FAST_PATH_MAX_SEGMENTS", 1),
		MediaTempDir:            getEnv("MEDIA_TEMP_DIR", "/tmp/longform"),
		CreditsPerSegment:       getEnvInt("CREDITS_PER_SEGMENT", 10),
		UpscaleSurcharge:        getEnvInt("UPSCALE_SURCHARGE", 20),
		SweepInterval:           getEnvDuration("SWEEP_INTERVAL", time.Minute),
		StaleAfter:              getEnvDuration("STALE_AFTER", 15*time.Minute),
		TickConsumers:           getEnvInt("TICK_CONSUMERS", 4),
	}

	// Validate required fields
	if cfg.InternalTickSecret == "" {
		return nil, fmt.Errorf("INTERNAL_TICK_SECRET is required")
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.StoreDriver)
	}

	if cfg.ChainMode != "queue" && cfg.ChainMode != "http" {
		return nil, fmt.Errorf("CHAIN_MODE must be queue or http, got %q", cfg.ChainMode)
	}

	switch cfg.VideoProvider {
	case "veo":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when VIDEO_PROVIDER=veo")
		}
	case "xai":
		if cfg.XAIAPIKey == "" {
			return nil, fmt.Errorf("XAI_API_KEY is required when VIDEO_PROVIDER=xai")
		}
	default:
		return nil, fmt.Errorf("VIDEO_PROVIDER must be veo or xai, got %q", cfg.VideoProvider)
	}

	// The memory driver keeps media in process as well.
	if cfg.StoreDriver == "postgres" && (cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "") {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when STORE_DRIVER=postgres")
	}

	if cfg.SegmentCapSeconds <= 0 || cfg.SchedulerPoolSize <= 0 || cfg.PollMaxAttempts <= 0 || cfg.MaxSegmentAttempts <= 0 {
		return nil, fmt.Errorf("SEGMENT_CAP_SECONDS, SCHEDULER_POOL_SIZE, POLL_MAX_ATTEMPTS and MAX_SEGMENT_ATTEMPTS must be positive")
	}

	if cfg.TickSafetyMargin >= cfg.TickCeiling {
		return nil, fmt.Errorf("TICK_SAFETY_MARGIN (%v) must be smaller than TICK_CEILING (%v)", cfg.TickSafetyMargin, cfg.TickCeiling)
	}

	// A single segment's wait has to end inside one tick or its timeout never fires.
	if wait := cfg.PollInterval * time.Duration(cfg.PollMaxAttempts); wait >= cfg.TickBudget() {
		return nil, fmt.Errorf("POLL_INTERVAL x POLL_MAX_ATTEMPTS (%v) must be shorter than the tick budget (%v)", wait, cfg.TickBudget())
	}

	return cfg, nil
}

// TickBudget is the wall-clock time a tick may spend starting batches.
func (c *Config) TickBudget() time.Duration {
	return c.TickCeiling - c.TickSafetyMargin
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
