package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	// Harvest targets
	Markets []string
	Brand   string

	// Per-market URL templates; %s is replaced with the market code.
	// Search templates additionally receive the brand query.
	SearchURLTemplate     string
	StorefrontURLTemplate string

	// Throttle configuration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	RequestsPerSec float64

	// Retry configuration
	MaxAttempts      int
	BlockedAttempts  int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	EscalationFactor float64

	// Pagination
	MaxSearchPages  int
	StableCycles    int
	NavigateTimeout time.Duration
	ExtractTimeout  time.Duration

	// Redis configuration (checkpoint store + record streams)
	RedisAddr            string
	RedisDB              int
	RedisStream          string
	RedisStreamCount     int
	RedisStreamMaxLength int

	// Memcache configuration (cross-process block markers)
	MemcacheAddr  string
	BlockCooldown time.Duration

	// Browser configuration
	Headless bool

	// Environment
	Environment string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	streamCount, _ := strconv.Atoi(getEnv("REDIS_STREAM_COUNT", "1"))
	streamMaxLen, _ := strconv.Atoi(getEnv("REDIS_STREAM_MAX_LENGTH", "500"))
	maxAttempts, _ := strconv.Atoi(getEnv("MAX_ATTEMPTS", "3"))
	blockedAttempts, _ := strconv.Atoi(getEnv("BLOCKED_ATTEMPTS", "2"))
	maxSearchPages, _ := strconv.Atoi(getEnv("MAX_SEARCH_PAGES", "5"))
	stableCycles, _ := strconv.Atoi(getEnv("STABLE_CYCLES", "2"))
	rps, _ := strconv.ParseFloat(getEnv("REQUESTS_PER_SEC", "0.5"), 64)
	escalation, _ := strconv.ParseFloat(getEnv("ESCALATION_FACTOR", "4"), 64)
	headless, _ := strconv.ParseBool(getEnv("HEADLESS", "true"))

	return &Config{
		Markets:               splitCSV(getEnv("MARKETS", "vn,sa")),
		Brand:                 getEnv("BRAND", "lancome"),
		SearchURLTemplate:     getEnv("SEARCH_URL_TEMPLATE", "https://shop.example.com/%s/search?q=%s"),
		StorefrontURLTemplate: getEnv("STOREFRONT_URL_TEMPLATE", "https://shop.example.com/%s/brand/%s"),
		MinDelay:              durationEnv("MIN_DELAY_MS", 1000),
		MaxDelay:              durationEnv("MAX_DELAY_MS", 3000),
		RequestsPerSec:        rps,
		MaxAttempts:           maxAttempts,
		BlockedAttempts:       blockedAttempts,
		BackoffBase:           durationEnv("BACKOFF_BASE_MS", 500),
		BackoffCap:            durationEnv("BACKOFF_CAP_MS", 8000),
		EscalationFactor:      escalation,
		MaxSearchPages:        maxSearchPages,
		StableCycles:          stableCycles,
		NavigateTimeout:       durationEnv("NAVIGATE_TIMEOUT_MS", 15000),
		ExtractTimeout:        durationEnv("EXTRACT_TIMEOUT_MS", 10000),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:               redisDB,
		RedisStream:           getEnv("REDIS_STREAM", "reviews"),
		RedisStreamCount:      streamCount,
		RedisStreamMaxLength:  streamMaxLen,
		MemcacheAddr:          getEnv("MEMCACHE_ADDR", ""),
		BlockCooldown:         durationEnv("BLOCK_COOLDOWN_MS", 600000),
		Headless:              headless,
		Environment:           getEnv("HARVESTER_ENVIRONMENT", "development"),
	}
}

// Validate checks the configuration for values the run cannot start with
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	if strings.TrimSpace(c.Brand) == "" {
		return fmt.Errorf("brand must not be empty")
	}
	if c.MinDelay <= 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("invalid delay range: min=%s max=%s", c.MinDelay, c.MaxDelay)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BlockedAttempts < 1 {
		return fmt.Errorf("blocked attempts must be at least 1, got %d", c.BlockedAttempts)
	}
	if c.StableCycles < 1 {
		return fmt.Errorf("stable cycles must be at least 1, got %d", c.StableCycles)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func durationEnv(key string, defaultMillis int) time.Duration {
	millis, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultMillis)))
	if err != nil || millis < 0 {
		millis = defaultMillis
	}
	return time.Duration(millis) * time.Millisecond
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
