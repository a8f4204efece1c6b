package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	Env              string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string
	PostgresTimeZone string
	RedisURL         string

	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaEnv            string // "sandbox" or "production"
	MpesaShortcode      string
	MpesaPasskey        string
	MpesaCallbackURL    string
	MpesaSimulate       bool

	PollMaxAttempts int
	PollDelay       time.Duration
	RateLimitBudget int
	RateLimitPeriod time.Duration
	PollWorkers     int

	SMTPHost   string
	SMTPPort   string
	SMTPUser   string
	SMTPPass   string
	AdminEmail string
}

func LoadConfig() (*Config, error) {
	// .env is a dev convenience; system env wins in deployments
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8088"),
		Env:              getEnv("APP_ENV", "development"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresTimeZone: getEnv("POSTGRES_TIMEZONE", "Africa/Nairobi"),
		RedisURL:         os.Getenv("REDIS_URL"),

		MpesaConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaEnv:            getEnv("MPESA_ENV", "sandbox"),
		MpesaShortcode:      os.Getenv("MPESA_SHORTCODE"),
		MpesaPasskey:        os.Getenv("MPESA_PASSKEY"),
		MpesaCallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
		MpesaSimulate:       getEnvBool("MPESA_SIMULATE", false),

		PollMaxAttempts: getEnvInt("MPESA_POLL_MAX_ATTEMPTS", 40),
		PollDelay:       time.Duration(getEnvInt("MPESA_POLL_DELAY_SECONDS", 12)) * time.Second,
		// Sandbox allows ~5 requests per 60s; keep one in reserve.
		RateLimitBudget: getEnvInt("MPESA_RATE_LIMIT_REQUESTS", 4),
		RateLimitPeriod: time.Duration(getEnvInt("MPESA_RATE_LIMIT_PERIOD", 60)) * time.Second,
		PollWorkers:     getEnvInt("MPESA_POLL_WORKERS", 4),

		SMTPHost:   os.Getenv("SMTP_HOST"),
		SMTPPort:   getEnv("SMTP_PORT", "587"),
		SMTPUser:   os.Getenv("SMTP_USER"),
		SMTPPass:   os.Getenv("SMTP_PASS"),
		AdminEmail: os.Getenv("ADMIN_EMAIL"),
	}

	if cfg.PostgresUser == "" || cfg.PostgresPassword == "" || cfg.PostgresDB == "" {
		return nil, fmt.Errorf("missing required POSTGRES_* environment variables")
	}

	// Real provider calls need the full credential set; simulation mode does not.
	if !cfg.MpesaSimulate {
		if missing := cfg.missingMpesaVars(); len(missing) > 0 {
			return nil, fmt.Errorf("missing MPESA configuration %v (set them or enable MPESA_SIMULATE=1)", missing)
		}
	}

	if cfg.PollMaxAttempts < 1 {
		return nil, fmt.Errorf("MPESA_POLL_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func (c *Config) missingMpesaVars() []string {
	required := map[string]string{
		"MPESA_CONSUMER_KEY":    c.MpesaConsumerKey,
		"MPESA_CONSUMER_SECRET": c.MpesaConsumerSecret,
		"MPESA_SHORTCODE":       c.MpesaShortcode,
		"MPESA_PASSKEY":         c.MpesaPasskey,
		"MPESA_CALLBACK_URL":    c.MpesaCallbackURL,
	}
	var missing []string
	for name, val := range required {
		if val == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "True", "yes":
		return true
	case "0", "false", "False", "no":
		return false
	}
	return fallback
}
