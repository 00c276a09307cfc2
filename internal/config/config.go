package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Media engine
	FFmpegPath  string
	FFprobePath string
	TempDir     string

	// Overlay renderer command, invoked once per styled-overlay pass
	OverlayRendererCommand string
	OverlayTimeoutSeconds  int

	// Failure policies: "strict" fails the job, "degrade" drops the
	// offending element / abandons the overlay and keeps going
	AssetPolicy   string
	OverlayPolicy string

	// Asset cache budget in bytes
	AssetCacheMaxBytes int64

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:                getEnv("API_PORT", "8080"),
		WorkerEnabled:          getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:          getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:     getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:     getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "onecut-exports"),
		FFmpegPath:             getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:            getEnv("FFPROBE_PATH", "ffprobe"),
		TempDir:                getEnv("EXPORT_TEMP_DIR", "/tmp/onecut"),
		OverlayRendererCommand: getEnv("OVERLAY_RENDERER_COMMAND", ""),
		OverlayTimeoutSeconds:  getEnvInt("OVERLAY_TIMEOUT_SECONDS", 300),
		AssetPolicy:            getEnv("ASSET_POLICY", "strict"),
		OverlayPolicy:          getEnv("OVERLAY_POLICY", "degrade"),
		AssetCacheMaxBytes:     int64(getEnvInt("ASSET_CACHE_MAX_MB", 2048)) * 1024 * 1024,
		MaxConcurrentJobs:      getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if cfg.AssetPolicy != "strict" && cfg.AssetPolicy != "degrade" {
		return nil, fmt.Errorf("ASSET_POLICY must be strict or degrade, got %q", cfg.AssetPolicy)
	}
	if cfg.OverlayPolicy != "strict" && cfg.OverlayPolicy != "degrade" {
		return nil, fmt.Errorf("OVERLAY_POLICY must be strict or degrade, got %q", cfg.OverlayPolicy)
	}

	return cfg, nil
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
