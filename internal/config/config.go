package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes process settings: listeners, backends and tuning.
// Operating settings of the DVM itself live in SettingsProvider.
type Config struct {
	Port      string
	AuthToken string

	LogLevel string
	LogJSON  bool

	DatabaseURL   string
	SQLitePath    string
	RunMigrations bool

	InferenceBackend    string
	OllamaBaseURL       string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	InferenceTimeoutMS  int
	InferenceMaxRetries int

	LNbitsURL        string
	LNbitsInvoiceKey string
	LNbitsTimeoutMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	RelayPublishRPS    float64
	RelayDialTimeoutMS int

	WorkerConcurrency   int
	QueueBufferSize     int
	QueueMaxAttempts    int
	DedupeTTLSeconds    int
	JobTimeoutMS        int
	ShutdownGraceMS     int
	ReconcileIntervalMS int
	ReconcilePageSize   int
	EngineAutostart     bool

	SettingsFile string

	PromptMaxChars  int
	PromptBlocklist []string

	OTLPEndpoint string
	ServiceName  string
}

func Load() Config {
	return Config{
		Port:      getEnv("PORT", "8080"),
		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", true),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SQLitePath:    getEnv("SQLITE_PATH", ""),
		RunMigrations: getEnvBool("RUN_MIGRATIONS", true),

		InferenceBackend:    getEnv("INFERENCE_BACKEND", "ollama"),
		OllamaBaseURL:       getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		InferenceTimeoutMS:  getEnvInt("INFERENCE_TIMEOUT_MS", 120000),
		InferenceMaxRetries: getEnvInt("INFERENCE_MAX_RETRIES", 2),

		LNbitsURL:        getEnv("LNBITS_URL", ""),
		LNbitsInvoiceKey: getEnv("LNBITS_INVOICE_KEY", ""),
		LNbitsTimeoutMS:  getEnvInt("LNBITS_TIMEOUT_MS", 10000),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "dvm_requests"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "dvm_requests_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "dvm_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "dvm-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		RelayPublishRPS:    getEnvFloat("RELAY_PUBLISH_RPS", 5),
		RelayDialTimeoutMS: getEnvInt("RELAY_DIAL_TIMEOUT_MS", 10000),

		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 4),
		QueueBufferSize:     getEnvInt("QUEUE_BUFFER_SIZE", 512),
		QueueMaxAttempts:    getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		DedupeTTLSeconds:    getEnvInt("DEDUPE_TTL_SECONDS", 900),
		JobTimeoutMS:        getEnvInt("JOB_TIMEOUT_MS", 300000),
		ShutdownGraceMS:     getEnvInt("SHUTDOWN_GRACE_MS", 30000),
		ReconcileIntervalMS: getEnvInt("RECONCILE_INTERVAL_MS", 120000),
		ReconcilePageSize:   getEnvInt("RECONCILE_PAGE_SIZE", 500),
		EngineAutostart:     getEnvBool("ENGINE_AUTOSTART", false),

		SettingsFile: getEnv("DVM_SETTINGS_FILE", "dvm-settings.yaml"),

		PromptMaxChars:  getEnvInt("PROMPT_MAX_CHARS", 32000),
		PromptBlocklist: getEnvList("PROMPT_BLOCKLIST"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("OTEL_SERVICE_NAME", "llm-dvm"),
	}
}

func Millis(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
