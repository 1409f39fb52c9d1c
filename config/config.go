package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	SlotBackendMemory = "memory"
	SlotBackendRedis  = "redis"
)

type AccountingConfig struct {
	ClientID       string
	ClientSecret   string
	TokenURL       string
	APIBaseURL     string
	ConnectionsURL string
	RedirectURL    string
	TenantHeader   string
	HTTPTimeout    time.Duration
}

// IsConfigured returns true if all required accounting OAuth configuration is present
func (c AccountingConfig) IsConfigured() bool {
	return c.ClientID != "" &&
		c.ClientSecret != "" &&
		c.TokenURL != "" &&
		c.APIBaseURL != ""
}

type LimitsConfig struct {
	MaxConcurrentCalls int
	SlotAcquireTimeout time.Duration
	SlotBackend        string
	RedisURL           string
	RateLimitPerMinute int
	RateLimitMaxWait   time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
}

type AppConfig struct {
	// Core configuration (always required)
	DatabaseURL        string
	DatabaseSchema     string
	Port               string // Optional with default "8080"
	CORSAllowedOrigins string // Optional with default "*"
	Environment        string
	TokenEncryptionKey string
	AlertWebhookURL    string
	ServerLogsURL      string
	UseStrictConfig    bool // If true, error when the accounting integration is not fully configured

	AccountingConfig AccountingConfig
	LimitsConfig     LimitsConfig
}

func LoadConfig() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Warn("Could not load .env file, continuing with system env vars")
	}

	databaseURL, err := getEnvRequired("DB_URL")
	if err != nil {
		return nil, err
	}

	databaseSchema, err := getEnvRequired("DB_SCHEMA")
	if err != nil {
		return nil, err
	}

	encryptionKey, err := getEnvRequired("TOKEN_ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}

	accountingConfig := AccountingConfig{
		ClientID:       os.Getenv("ACCOUNTING_CLIENT_ID"),
		ClientSecret:   os.Getenv("ACCOUNTING_CLIENT_SECRET"),
		TokenURL:       os.Getenv("ACCOUNTING_TOKEN_URL"),
		APIBaseURL:     os.Getenv("ACCOUNTING_API_BASE_URL"),
		ConnectionsURL: os.Getenv("ACCOUNTING_CONNECTIONS_URL"),
		RedirectURL:    os.Getenv("ACCOUNTING_REDIRECT_URL"),
		TenantHeader:   getEnvWithDefault("ACCOUNTING_TENANT_HEADER", "Xero-Tenant-Id"),
	}
	if accountingConfig.HTTPTimeout, err = getEnvDuration("ACCOUNTING_HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	limitsConfig, err := loadLimitsConfig()
	if err != nil {
		return nil, err
	}

	config := &AppConfig{
		DatabaseURL:        databaseURL,
		DatabaseSchema:     databaseSchema,
		Port:               getEnvWithDefault("PORT", "8080"),
		CORSAllowedOrigins: getEnvWithDefault("CORS_ALLOWED_ORIGINS", "*"),
		Environment:        getEnvWithDefault("ENVIRONMENT", "dev"),
		TokenEncryptionKey: encryptionKey,
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		ServerLogsURL:      os.Getenv("SERVER_LOGS_URL"),
		UseStrictConfig:    getEnvWithDefault("USE_STRICT_CONFIG", "true") == "true",
		AccountingConfig:   accountingConfig,
		LimitsConfig:       limitsConfig,
	}

	if config.AccountingConfig.IsConfigured() {
		zap.L().Info("Accounting integration configured")
	} else {
		zap.L().Warn("Accounting integration not configured - tool calls will fail")
		if config.UseStrictConfig {
			return nil, fmt.Errorf("accounting integration is not fully configured (USE_STRICT_CONFIG=true)")
		}
	}

	return config, nil
}

func loadLimitsConfig() (LimitsConfig, error) {
	var (
		limits LimitsConfig
		err    error
	)

	if limits.MaxConcurrentCalls, err = getEnvInt("MAX_CONCURRENT_CALLS", 5); err != nil {
		return limits, err
	}
	if limits.MaxConcurrentCalls < 1 {
		return limits, fmt.Errorf("MAX_CONCURRENT_CALLS must be at least 1")
	}
	if limits.SlotAcquireTimeout, err = getEnvDuration("SLOT_ACQUIRE_TIMEOUT", 0); err != nil {
		return limits, err
	}
	if limits.RateLimitPerMinute, err = getEnvInt("RATE_LIMIT_PER_MINUTE", 60); err != nil {
		return limits, err
	}
	if limits.RateLimitMaxWait, err = getEnvDuration("RATE_LIMIT_MAX_WAIT", 5*time.Minute); err != nil {
		return limits, err
	}
	if limits.RetryMaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return limits, err
	}
	if limits.RetryBaseDelay, err = getEnvDuration("RETRY_BASE_DELAY", time.Second); err != nil {
		return limits, err
	}
	if limits.RetryMaxDelay, err = getEnvDuration("RETRY_MAX_DELAY", 60*time.Second); err != nil {
		return limits, err
	}

	limits.SlotBackend = strings.ToLower(getEnvWithDefault("SLOT_BACKEND", SlotBackendMemory))
	limits.RedisURL = os.Getenv("REDIS_URL")
	switch limits.SlotBackend {
	case SlotBackendMemory:
	case SlotBackendRedis:
		if limits.RedisURL == "" {
			return limits, fmt.Errorf("REDIS_URL is not set (SLOT_BACKEND=redis)")
		}
	default:
		return limits, fmt.Errorf("SLOT_BACKEND must be %q or %q, got %q", SlotBackendMemory, SlotBackendRedis, limits.SlotBackend)
	}

	return limits, nil
}

func getEnvRequired(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set", key)
	}
	return value, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
	}
	return parsed, nil
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("%s must be a non-negative duration, got %q", key, value)
	}
	return parsed, nil
}
