// Package config handles loading and validation of application configuration
// from environment variables. Supports .env files via godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

const devJWTSecret = "dev-secret-change-in-production"

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        int
	Environment string // "development" | "staging" | "production"

	// Storage
	DatabaseURL string
	RedisURL    string

	// Security
	JWTSecret      string
	AllowedOrigins []string
	RateLimitRPM   int

	USSD        USSDConfig
	Dedup       DedupConfig
	SMS         SMSConfig
	Escalation  EscalationConfig
	Jobs        JobsConfig
	CountryCode string
	Location    *time.Location
}

// USSDConfig controls the dialogue transport
type USSDConfig struct {
	SessionTimeout   time.Duration
	MaxMessageLength int
	RateLimitWindow  time.Duration
	RateLimitMax     int
	SessionRetention time.Duration
}

// DedupConfig controls duplicate detection
type DedupConfig struct {
	Threshold     int
	Window        time.Duration
	MaxCandidates int
	MaxResults    int
}

// SMSConfig controls the outbound notification sink
type SMSConfig struct {
	Enabled          bool
	TwilioAccountSID string
	TwilioAuthToken  string
	FromNumber       string
	MaxAttempts      int
	Timeout          time.Duration
	RetryBackoff     time.Duration
	Workers          int
	QueueSize        int
	RatePerSecond    float64
}

// EscalationConfig controls the rule engine
type EscalationConfig struct {
	RulesFile       string
	EnforceCooldown bool
	FallbackName    string
	FallbackPhone   string
	FallbackOrg     string
}

// JobsConfig holds cron specs and windows for background jobs
type JobsConfig struct {
	RescoreSpec   string
	CleanupSpec   string
	ExpirySpec    string
	OutboxSpec    string
	RescoreWindow time.Duration
	AlertExpiry   time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (development)
	_ = godotenv.Load()

	tz := getEnv("TIMEZONE", "Africa/Lagos")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}

	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		JWTSecret:      getEnv("JWT_SECRET", devJWTSecret),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000"), ","),
		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", 60),

		USSD: USSDConfig{
			SessionTimeout:   time.Duration(getEnvInt("USSD_SESSION_TIMEOUT_SECONDS", 120)) * time.Second,
			MaxMessageLength: getEnvInt("USSD_MAX_MESSAGE_LENGTH", 182),
			RateLimitWindow:  time.Duration(getEnvInt("USSD_RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
			RateLimitMax:     getEnvInt("USSD_RATE_LIMIT_MAX", 30),
			SessionRetention: time.Duration(getEnvInt("SESSION_RETENTION_HOURS", 24)) * time.Hour,
		},
		Dedup: DedupConfig{
			Threshold:     getEnvInt("DEDUP_THRESHOLD", 60),
			Window:        time.Duration(getEnvInt("DEDUP_WINDOW_MINUTES", 60)) * time.Minute,
			MaxCandidates: getEnvInt("DEDUP_MAX_CANDIDATES", 100),
			MaxResults:    5,
		},
		SMS: SMSConfig{
			Enabled:          getEnvBool("SMS_ENABLED", false),
			TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber:       getEnv("SMS_FROM_NUMBER", ""),
			MaxAttempts:      getEnvInt("NOTIFY_MAX_ATTEMPTS", 3),
			Timeout:          time.Duration(getEnvInt("NOTIFY_TIMEOUT_MS", 3000)) * time.Millisecond,
			RetryBackoff:     time.Duration(getEnvInt("NOTIFY_RETRY_BACKOFF_MS", 250)) * time.Millisecond,
			Workers:          getEnvInt("NOTIFY_WORKERS", 4),
			QueueSize:        getEnvInt("NOTIFY_QUEUE_SIZE", 256),
			RatePerSecond:    float64(getEnvInt("SMS_RATE_PER_SECOND", 5)),
		},
		Escalation: EscalationConfig{
			RulesFile:       getEnv("RULES_FILE", ""),
			EnforceCooldown: getEnvBool("ESCALATION_ENFORCE_COOLDOWN", false),
			FallbackName:    getEnv("FALLBACK_RESPONDER_NAME", "Community Focal Desk"),
			FallbackPhone:   getEnv("FALLBACK_RESPONDER_PHONE", "+2348000000000"),
			FallbackOrg:     getEnv("FALLBACK_RESPONDER_ORG", "Community Watch"),
		},
		Jobs: JobsConfig{
			RescoreSpec:   getEnv("JOBS_RESCORE_SPEC", "@every 15m"),
			CleanupSpec:   getEnv("JOBS_CLEANUP_SPEC", "@hourly"),
			ExpirySpec:    getEnv("JOBS_EXPIRY_SPEC", "@every 30m"),
			OutboxSpec:    getEnv("JOBS_OUTBOX_SPEC", "@every 1m"),
			RescoreWindow: time.Duration(getEnvInt("RESCORE_WINDOW_HOURS", 24)) * time.Hour,
			AlertExpiry:   time.Duration(getEnvInt("ALERT_EXPIRY_HOURS", 72)) * time.Hour,
		},
		CountryCode: getEnv("DEFAULT_COUNTRY_CODE", "234"),
		Location:    loc,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that hold in every environment plus the
// stricter production requirements
func (c *Config) Validate() error {
	if c.USSD.MaxMessageLength < 10 {
		return fmt.Errorf("USSD_MAX_MESSAGE_LENGTH must be at least 10")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 100 {
		return fmt.Errorf("DEDUP_THRESHOLD must be within 0-100")
	}
	if c.SMS.MaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1")
	}

	// Validate required fields in production
	if c.Environment == "production" {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.JWTSecret == devJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
	}
	if c.SMS.Enabled && (c.SMS.TwilioAccountSID == "" || c.SMS.TwilioAuthToken == "" || c.SMS.FromNumber == "") {
		return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and SMS_FROM_NUMBER are required when SMS_ENABLED")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}
