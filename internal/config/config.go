package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	DatabaseURL           string
	LockTimeout           time.Duration
	StatementTimeout      time.Duration
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	JWTSecret             string
	BusinessTimezone      string
	OperationalFloat      decimal.Decimal
	TicketDailyCap        int
	CancelReasonMinLength int
	CredentialMaxAttempts int
	CredentialLockout     time.Duration
	SupervisorRoles       []string
	NotifyPollInterval    time.Duration
	NotifyBatchSize       int
	NotifyMaxAttempts     int
	NotifyLease           time.Duration
	NotifyProvider        string
	NotifyWebhookURL      string
	NotifyWebhookToken    string
	RateLimitPerMinute    int
	LogLevel              string
	LogFormat             string
	ServiceVersion        string
	Environment           string
	OTelEndpoint          string
	OTelInsecure          bool
	OTelSampleRatio       float64
}

// Load reads the process environment. A .env file in the working directory is
// applied first when present; variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                  port,
		DatabaseURL:           os.Getenv("DB_DSN"),
		LockTimeout:           readDurationMillis("DB_LOCK_TIMEOUT_MS", 2000),
		StatementTimeout:      readDurationMillis("DB_STATEMENT_TIMEOUT_MS", 10000),
		RedisAddr:             readString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               readInt("REDIS_DB", 0),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		BusinessTimezone:      readString("BUSINESS_TIMEZONE", "America/Santiago"),
		OperationalFloat:      readDecimal("OPERATIONAL_FLOAT", decimal.NewFromInt(50000)),
		TicketDailyCap:        readInt("TICKET_DAILY_CAP", 3),
		CancelReasonMinLength: readInt("CANCEL_REASON_MIN_LENGTH", 5),
		CredentialMaxAttempts: readInt("CREDENTIAL_MAX_ATTEMPTS", 5),
		CredentialLockout:     readDurationSeconds("CREDENTIAL_LOCKOUT_SECONDS", 900),
		SupervisorRoles:       readList("SUPERVISOR_ROLES", []string{"MANAGER", "ADMIN"}),
		NotifyPollInterval:    readDurationSeconds("NOTIF_POLL_SECONDS", 5),
		NotifyBatchSize:       readInt("NOTIF_BATCH_SIZE", 50),
		NotifyMaxAttempts:     readInt("NOTIF_MAX_ATTEMPTS", 5),
		NotifyLease:           readDurationSeconds("NOTIF_LEASE_SECONDS", 60),
		NotifyProvider:        readString("NOTIF_PROVIDER", "log"),
		NotifyWebhookURL:      os.Getenv("NOTIF_WEBHOOK_URL"),
		NotifyWebhookToken:    os.Getenv("NOTIF_WEBHOOK_TOKEN"),
		RateLimitPerMinute:    readInt("RATE_LIMIT_PER_MIN", 120),
		LogLevel:              readString("LOG_LEVEL", "info"),
		LogFormat:             readString("LOG_FORMAT", "json"),
		ServiceVersion:        readString("SERVICE_VERSION", "dev"),
		Environment:           os.Getenv("DEPLOY_ENV"),
		OTelEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelInsecure:          readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTelSampleRatio:       readFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}
}

// Location resolves BusinessTimezone, falling back to UTC for unknown zones.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil || value.IsNegative() {
		return fallback
	}
	return value
}

func readList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
