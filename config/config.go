package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Translation service
	TranslationBaseURL string
	TargetFormat       string
	PollInterval       time.Duration
	PollMaxAttempts    int
	RequestTimeout     time.Duration
	OutboundRPS        float64
	OutboundBurst      int

	// Upload ingest
	StepConverterURL string
	StepScopes       []string

	// Viewer SDK
	ViewerScriptURL     string
	ViewerStylesheetURL string
	ManifestBaseURL     string

	// Redis
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	PendingQueue    string
	ProcessingQueue string
	FailedQueue     string
	StatusKeyPrefix string
	SessionLockTTL  time.Duration

	// Workers
	WorkerCount int
	MaxRetries  int
	StaleAfter  time.Duration

	// Storage
	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	UploadFolder   string

	DatabaseURL string

	// HTTP + logging
	HTTPAddr  string
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	redisPrefix := getEnv("REDIS_PREFIX", "")

	return &Config{
		TranslationBaseURL: strings.TrimRight(
			getEnv("TRANSLATION_API_BASE_URL", "http://localhost:8001/api/v1/autodesk/forge"), "/"),
		TargetFormat:    getEnv("TRANSLATION_TARGET_FORMAT", "svf"),
		PollInterval:    getEnvDuration("TRANSLATION_POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts: getEnvInt("TRANSLATION_POLL_MAX_ATTEMPTS", 30),
		RequestTimeout:  getEnvDuration("TRANSLATION_REQUEST_TIMEOUT", 30*time.Second),
		OutboundRPS:     getEnvFloat("TRANSLATION_OUTBOUND_RPS", 10),
		OutboundBurst:   getEnvInt("TRANSLATION_OUTBOUND_BURST", 5),

		StepConverterURL: strings.TrimRight(getEnv("STEP_CONVERTER_URL", "http://localhost:3001"), "/"),
		StepScopes: getEnvList("STEP_CONVERTER_SCOPES",
			[]string{"data:read", "data:write", "data:create", "bucket:read", "bucket:create"}),

		ViewerScriptURL: getEnv("VIEWER_SCRIPT_URL",
			"https://developer.api.autodesk.com/modelderivative/v2/viewers/7.*/viewer3D.min.js"),
		ViewerStylesheetURL: getEnv("VIEWER_STYLESHEET_URL",
			"https://developer.api.autodesk.com/modelderivative/v2/viewers/7.*/style.min.css"),
		ManifestBaseURL: strings.TrimRight(getEnv("VIEWER_MANIFEST_BASE_URL",
			"https://developer.api.autodesk.com/modelderivative/v2/designdata"), "/"),

		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_TRANSLATION_DB", 3),
		RedisPrefix:     redisPrefix,
		PendingQueue:    applyPrefix(getEnv("TRANSLATION_PENDING_QUEUE", "translation:pending"), redisPrefix),
		ProcessingQueue: applyPrefix(getEnv("TRANSLATION_PROCESSING_QUEUE", "translation:processing"), redisPrefix),
		FailedQueue:     applyPrefix(getEnv("TRANSLATION_FAILED_QUEUE", "translation:failed"), redisPrefix),
		StatusKeyPrefix: applyPrefix("translation:status:", redisPrefix),
		SessionLockTTL:  getEnvDuration("VIEWER_SESSION_LOCK_TTL", 10*time.Minute),

		WorkerCount: getEnvInt("TRANSLATION_WORKER_COUNT", 3),
		MaxRetries:  getEnvInt("TRANSLATION_MAX_RETRIES", 3),
		StaleAfter:  getEnvDuration("TRANSLATION_STALE_AFTER", 5*time.Minute),

		S3Bucket: getEnv("AWS_BUCKET", "aos-files-bucket"),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		UploadFolder:   getEnv("UPLOAD_FOLDER", "models"),

		DatabaseURL: databaseURL(),

		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

func databaseURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "quotations")
	dbUser := getEnv("DB_USERNAME", "quotations")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	dbURL := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if v := getEnv("DB_SSLROOTCERT", ""); v != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", v)
	}
	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5s") or plain seconds ("5").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
