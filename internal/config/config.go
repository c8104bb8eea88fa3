package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config; idempotency and rate limiting are off when RedisHost
	// and RedisURL are both empty.
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Rate limit per user on the HTTP API
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// AWS
	AWSRegion   string
	AWSEndpoint string // LocalStack

	// Email: "ses", "resend" or "" for the logging stub
	EmailProvider string
	EmailFrom     string
	ResendAPIKey  string

	// SMS over SNS; off unless enabled
	SMSEnabled bool
	SNSRegion  string

	// Push
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	MobilePushSNS   bool
	PushRatePerSec  float64
	PushBurst       int

	// Business events and delivery outcomes
	EventsQueueURL  string
	OutcomeTopicARN string

	// Delivery queue tuning
	TickInterval    time.Duration
	CleanupSchedule string
	MaxRetries      int
	MaxItemAge      time.Duration
	AttemptTimeout  time.Duration

	// Circuit breaker for external providers
	BreakerMaxFailures uint32
	BreakerRecovery    time.Duration

	// HTTP
	CORSOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBName:     "dealernotify",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		RedisPort: 6379,

		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,

		AWSRegion: "eu-west-2",
		EmailFrom: "notifications@dealer.local",

		VAPIDSubject:   "mailto:notifications@dealer.local",
		PushRatePerSec: 50,
		PushBurst:      100,

		TickInterval:    time.Second,
		CleanupSchedule: "@every 1h",
		MaxRetries:      3,
		MaxItemAge:      24 * time.Hour,
		AttemptTimeout:  10 * time.Second,

		BreakerMaxFailures: 5,
		BreakerRecovery:    30 * time.Second,

		CORSOrigins: []string{"*"},
	}

	var err error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	setFloat := func(key string, dst *float64) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = d
		}
	}

	setInt("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("ENV", &cfg.Env)

	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("DB_HOST", &cfg.DBHost)
	setInt("DB_PORT", &cfg.DBPort)
	setString("DB_USER", &cfg.DBUser)
	setString("DB_PASSWORD", &cfg.DBPassword)
	setString("DB_NAME", &cfg.DBName)
	setString("DB_SSLMODE", &cfg.DBSSLMode)
	setInt("DB_MAX_CONNS", &cfg.DBMaxConns)

	setString("REDIS_URL", &cfg.RedisURL)
	setString("REDIS_HOST", &cfg.RedisHost)
	setInt("REDIS_PORT", &cfg.RedisPort)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setInt("REDIS_DB", &cfg.RedisDB)
	setInt("RATE_LIMIT_REQUESTS", &cfg.RateLimitRequests)
	setDuration("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)

	setString("AWS_REGION", &cfg.AWSRegion)
	setString("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)
	cfg.SNSRegion = cfg.AWSRegion
	setString("SNS_REGION", &cfg.SNSRegion)

	setString("EMAIL_PROVIDER", &cfg.EmailProvider)
	setString("EMAIL_FROM", &cfg.EmailFrom)
	setString("RESEND_API_KEY", &cfg.ResendAPIKey)
	setBool("SMS_ENABLED", &cfg.SMSEnabled)

	setString("VAPID_PUBLIC_KEY", &cfg.VAPIDPublicKey)
	setString("VAPID_PRIVATE_KEY", &cfg.VAPIDPrivateKey)
	setString("VAPID_SUBJECT", &cfg.VAPIDSubject)
	setBool("MOBILE_PUSH_SNS", &cfg.MobilePushSNS)
	setFloat("PUSH_RATE_PER_SECOND", &cfg.PushRatePerSec)
	setInt("PUSH_BURST", &cfg.PushBurst)

	setString("EVENTS_QUEUE_URL", &cfg.EventsQueueURL)
	setString("OUTCOME_TOPIC_ARN", &cfg.OutcomeTopicARN)

	setDuration("QUEUE_TICK_INTERVAL", &cfg.TickInterval)
	setString("QUEUE_CLEANUP_SCHEDULE", &cfg.CleanupSchedule)
	setInt("QUEUE_MAX_RETRIES", &cfg.MaxRetries)
	setDuration("QUEUE_MAX_ITEM_AGE", &cfg.MaxItemAge)
	setDuration("QUEUE_ATTEMPT_TIMEOUT", &cfg.AttemptTimeout)

	var maxFailures int
	setInt("BREAKER_MAX_FAILURES", &maxFailures)
	setDuration("BREAKER_RECOVERY", &cfg.BreakerRecovery)

	if err != nil {
		return nil, err
	}
	if maxFailures > 0 {
		cfg.BreakerMaxFailures = uint32(maxFailures)
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.EmailProvider {
	case "", "ses":
	case "resend":
		if c.ResendAPIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required when EMAIL_PROVIDER=resend")
		}
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER %q: want ses, resend or empty", c.EmailProvider)
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("QUEUE_TICK_INTERVAL must be positive")
	}
	// The worker treats 0 as unset and would silently use its default.
	if c.MaxRetries < 1 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must be at least 1")
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must not be negative")
	}
	return nil
}

// RedisEnabled reports whether a Redis connection was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != "" || c.RedisHost != ""
}

// WebPushEnabled reports whether VAPID keys are present.
func (c *Config) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
