package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Gateway   GatewayConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
}

// GatewayConfig configures the fiscal gateway HTTP client.
type GatewayConfig struct {
	BaseURL       string
	Timeout       time.Duration
	TaxpayerToken string
}

// PipelineConfig carries queue manager and orchestrator knobs.
type PipelineConfig struct {
	QueueDepth        int
	MaxActiveDrains   int
	IdleTenantTTL     time.Duration
	ReconcileOnStart  bool
	AutoCloseDays     bool
	BlacklistedStores []string
}

// RateLimitConfig configures the redis-backed webhook ingest limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TenantRate    float64
	TenantBurst   int
	EndpointRate  float64
	EndpointBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "fiscalbridge"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "fiscalbridge"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Gateway: GatewayConfig{
			BaseURL:       getenv("FISCAL_GATEWAY_URL", "https://fdmsapi.zimra.co.zw"),
			Timeout:       getenvDuration("FISCAL_GATEWAY_TIMEOUT", 30*time.Second),
			TaxpayerToken: strings.TrimSpace(getenv("FISCAL_GATEWAY_TOKEN", "")),
		},
		Pipeline: PipelineConfig{
			QueueDepth:        getenvInt("PIPELINE_QUEUE_DEPTH", 100),
			MaxActiveDrains:   getenvInt("PIPELINE_MAX_ACTIVE_DRAINS", 8),
			IdleTenantTTL:     getenvDuration("PIPELINE_IDLE_TENANT_TTL", 30*time.Minute),
			ReconcileOnStart:  getenvBool("PIPELINE_RECONCILE_ON_START", true),
			AutoCloseDays:     getenvBool("PIPELINE_AUTO_CLOSE_DAYS", true),
			BlacklistedStores: parseList(getenv("PIPELINE_BLACKLISTED_STORES", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			TenantRate:    getenvFloat("RATE_LIMIT_TENANT_RATE", 20),
			TenantBurst:   getenvInt("RATE_LIMIT_TENANT_BURST", 40),
			EndpointRate:  getenvFloat("RATE_LIMIT_ENDPOINT_RATE", 200),
			EndpointBurst: getenvInt("RATE_LIMIT_ENDPOINT_BURST", 400),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
