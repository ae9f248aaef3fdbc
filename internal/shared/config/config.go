package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// maxProxyTimeout bounds the upstream hop no matter what is configured.
const maxProxyTimeout = 30 * time.Second

// Config holds all configuration for the engine
type Config struct {
	// Server
	Port              string
	Env               string
	TrustProxyHeaders bool
	MaxBodyBytes      int64

	// Logging
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string
	RedisURL    string

	// Identity
	JWTSecret string

	// Instances
	InstanceHost    string
	ProxyTimeout    time.Duration
	ReadyTimeout    time.Duration
	BuildTimeout    time.Duration
	ContainerMemory int64
	ContainerCPUs   float64

	// ContainerPlatform is "os[/arch]"; empty lets the engine decide.
	ContainerPlatform string

	// Default quota ceilings for new definitions
	DefaultQuotaHour  int64
	DefaultQuotaDay   int64
	DefaultQuotaMonth int64

	// Code generation
	OpenAIAPIKey      string
	AnthropicAPIKey   string
	GeminiAPIKey      string
	CodegenModel      string
	CodegenDailyLimit int64
	CacheEnabled      bool
	CacheTTL          time.Duration

	// Registry read path
	ResolveCacheSize int
	ResolveCacheTTL  time.Duration

	// Usage
	UsageQueueSize  int
	KafkaBrokers    []string
	KafkaUsageTopic string

	// Reconciler
	ReconcileInterval string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               env,
		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:      int64(getEnvInt("MAX_BODY_BYTES", 10*1024*1024)),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", defaultFormat),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		InstanceHost:      getEnv("INSTANCE_HOST", "localhost"),
		ProxyTimeout:      getEnvSeconds("PROXY_TIMEOUT_SECONDS", 30),
		ReadyTimeout:      getEnvSeconds("READY_TIMEOUT_SECONDS", 60),
		BuildTimeout:      getEnvSeconds("BUILD_TIMEOUT_SECONDS", 600),
		ContainerMemory:   int64(getEnvInt("CONTAINER_MEMORY_MB", 256)) * 1024 * 1024,
		ContainerCPUs:     getEnvFloat("CONTAINER_CPUS", 0.5),
		ContainerPlatform: getEnv("CONTAINER_PLATFORM", ""),
		DefaultQuotaHour:  int64(getEnvInt("DEFAULT_QUOTA_HOUR", 1000)),
		DefaultQuotaDay:   int64(getEnvInt("DEFAULT_QUOTA_DAY", 10000)),
		DefaultQuotaMonth: int64(getEnvInt("DEFAULT_QUOTA_MONTH", 100000)),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		CodegenModel:      getEnv("CODEGEN_MODEL", "gpt-4o-mini"),
		CodegenDailyLimit: int64(getEnvInt("CODEGEN_DAILY_LIMIT", 50)),
		CacheEnabled:      getEnvBool("CACHE_ENABLED", true),
		CacheTTL:          getEnvSeconds("CACHE_TTL_SECONDS", 3600),
		ResolveCacheSize:  getEnvInt("RESOLVE_CACHE_SIZE", 1024),
		ResolveCacheTTL:   getEnvSeconds("RESOLVE_CACHE_TTL_SECONDS", 5),
		UsageQueueSize:    getEnvInt("USAGE_QUEUE_SIZE", 1024),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS"),
		KafkaUsageTopic:   getEnv("KAFKA_USAGE_TOPIC", "apiengine.usage"),
		ReconcileInterval: getEnv("RECONCILE_INTERVAL", "@every 1m"),
	}

	if cfg.ProxyTimeout <= 0 || cfg.ProxyTimeout > maxProxyTimeout {
		cfg.ProxyTimeout = maxProxyTimeout
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// CodegenEnabled reports whether at least one code generation provider is configured.
func (c *Config) CodegenEnabled() bool {
	return c.OpenAIAPIKey != "" || c.AnthropicAPIKey != "" || c.GeminiAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
