// Package config loads the gateway's environment-variable-driven
// configuration surface.
package config

import (
	"os"
	"strconv"
)

// Config holds every tunable named in spec.md §6, each with a default.
type Config struct {
	DataDir        string
	StorageBackend string // "memory" | "file" | "s3" | "gcs"
	S3Bucket       string
	S3PublicBase   string
	GCSBucket      string
	GCSPublicBase  string
	KeystorePath   string
	SftMapsDir     string
	PolicySource   string

	LedgerBackend string // "memory" | "sqlite" | "postgres" | "redis"
	LedgerDSN     string // sqlite/postgres database/sql DSN
	RedisAddr     string
	RedisPrefix   string

	EnforceRoutes   []string
	SignRoutes      []string
	SignRequire     bool
	SignEmbed       bool
	HTTPSignRequire bool

	BridgeTimeoutMs      int
	BridgeRetries        int
	BridgeRetryBackoffMs int

	TenantQuotaMonthlyRequests int64
	TenantRateLimitQPS         float64

	DynamicEnable bool
	DynamicTTLS   int

	PublicBaseURL string
}

// Load builds a Config from the process environment.
func Load() *Config {
	return &Config{
		DataDir:        getEnv("ODIN_DATA_DIR", "./data"),
		StorageBackend: getEnv("ODIN_STORAGE_BACKEND", "file"),
		S3Bucket:       getEnv("ODIN_S3_BUCKET", ""),
		S3PublicBase:   getEnv("ODIN_S3_PUBLIC_BASE", ""),
		GCSBucket:      getEnv("ODIN_GCS_BUCKET", ""),
		GCSPublicBase:  getEnv("ODIN_GCS_PUBLIC_BASE", ""),
		KeystorePath:   getEnv("ODIN_KEYSTORE_PATH", "./data/keystore.json"),
		SftMapsDir:     getEnv("ODIN_SFT_MAPS_DIR", "./data/sft_maps"),
		PolicySource:   getEnv("ODIN_POLICY_SOURCE", "./data/policy.yaml"),

		LedgerBackend: getEnv("ODIN_LEDGER_BACKEND", "memory"),
		LedgerDSN:     getEnv("ODIN_LEDGER_DSN", ""),
		RedisAddr:     getEnv("ODIN_REDIS_ADDR", ""),
		RedisPrefix:   getEnv("ODIN_REDIS_PREFIX", "odin:ledger"),

		EnforceRoutes:   getEnvList("ODIN_ENFORCE_ROUTES", nil),
		SignRoutes:      getEnvList("ODIN_SIGN_ROUTES", nil),
		SignRequire:     getEnvBool("ODIN_SIGN_REQUIRE", false),
		SignEmbed:       getEnvBool("ODIN_SIGN_EMBED", false),
		HTTPSignRequire: getEnvBool("ODIN_HTTP_SIGN_REQUIRE", false),

		BridgeTimeoutMs:      getEnvInt("ODIN_BRIDGE_TIMEOUT_MS", 10_000),
		BridgeRetries:        getEnvInt("ODIN_BRIDGE_RETRIES", 2),
		BridgeRetryBackoffMs: getEnvInt("ODIN_BRIDGE_RETRY_BACKOFF_MS", 250),

		TenantQuotaMonthlyRequests: getEnvInt64("ODIN_TENANT_QUOTA_MONTHLY_REQUESTS", 1_000_000),
		TenantRateLimitQPS:         getEnvFloat("ODIN_TENANT_RATE_LIMIT_QPS", 50),

		DynamicEnable: getEnvBool("ODIN_DYNAMIC_ENABLE", true),
		DynamicTTLS:   getEnvInt("ODIN_DYNAMIC_TTL_S", 30),

		PublicBaseURL: getEnv("ODIN_PUBLIC_BASE_URL", "http://localhost:8080"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
