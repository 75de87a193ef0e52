package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string
	Environment string
	JWTExpiry   time.Duration

	// Change feed outbox
	OutboxPath              string
	OutboxRedeliverInterval time.Duration

	// Rate limiting
	RateLimitMaxRequests int
	RateLimitWindow      time.Duration

	// Attachments
	MediaRoot    string
	MediaBaseURL string
	FFmpegPath   string
	FFprobePath  string

	ProfileCacheTTL      time.Duration
	DirectoryConcurrency int
	CORSAllowedOrigins   []string
}

func Load() *Config {
	// Docker containers use environment variables directly, so a missing
	// .env file is not an error.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment only")
	}

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		ServerPort:  getEnv("SERVER_PORT", ":8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		JWTExpiry:   getEnvAsDuration("JWT_EXPIRY", "24h"),

		OutboxPath:              getEnv("OUTBOX_PATH", "data/outbox.log"),
		OutboxRedeliverInterval: getEnvAsDuration("OUTBOX_REDELIVER_INTERVAL", "30s"),

		RateLimitMaxRequests: getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 100),
		RateLimitWindow:      getEnvAsDuration("RATE_LIMIT_WINDOW", "1m"),

		MediaRoot:    getEnv("MEDIA_ROOT", "data/media"),
		MediaBaseURL: getEnv("MEDIA_BASE_URL", "http://localhost:8080/media"),
		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:  getEnv("FFPROBE_PATH", "ffprobe"),

		ProfileCacheTTL:      getEnvAsDuration("PROFILE_CACHE_TTL", "5m"),
		DirectoryConcurrency: getEnvAsInt("DIRECTORY_CONCURRENCY", 8),
		CORSAllowedOrigins:   getEnvAsList("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
	}

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvAsInt retrieves environment variable as int with default value
func getEnvAsInt(key string, defaultVal int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		log.Printf("Invalid %s value, using default: %d", key, defaultVal)
		return defaultVal
	}
	return val
}

// getEnvAsDuration retrieves environment variable as duration with default value
func getEnvAsDuration(key string, defaultVal string) time.Duration {
	valStr := os.Getenv(key)
	if valStr == "" {
		valStr = defaultVal
	}
	duration, err := time.ParseDuration(valStr)
	if err != nil {
		log.Printf("Invalid %s value, using default: %s", key, defaultVal)
		duration, _ = time.ParseDuration(defaultVal)
	}
	return duration
}

func getEnvAsList(key, defaultVal string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultVal), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
