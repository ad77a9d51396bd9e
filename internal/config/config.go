package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config хранит конфигурацию времени выполнения для сервиса привязки чатов.
type Config struct {
	BotToken                   string
	TelegramWebhookURL         string
	TelegramWebhookDropPending bool
	WebhookSecret              string
	InternalAuthKey            string
	DatabaseURL                string
	DBDriver                   string
	DBConnectTimeout           time.Duration
	RedisURL                   string
	Port                       string
	LogLevel                   string
	TelegramTimeout            time.Duration
	TelegramPollingEnabled     bool
	TelegramPollingTimeout     time.Duration
	TelegramPollingInterval    time.Duration
	TelegramPollingLimit       int
	TelegramPollingDropPending bool
	TelegramPollingDropWebhook bool
	TelegramInboundRateLimit   int
	SendMessageRateLimit       int
	OTPLength                  int
	OTPTTL                     time.Duration
	LinkRequestTTL             time.Duration
	OTPMaxAttempts             int
	OTPSendPerHour             int
	SweepOnEvent               bool
	SweepInterval              time.Duration
	SMTP                       SMTPConfig
}

// SMTPConfig описывает отправку писем. Пустой Host отключает SMTP.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      string
	Timeout  time.Duration
}

// Load читает конфигурацию из переменных окружения.
func Load() (Config, error) {
	cfg, err := LoadStorage()
	if err != nil {
		return Config{}, err
	}

	cfg.Port = envOr("PORT", "8080")
	cfg.TelegramTimeout = durationOr("TELEGRAM_TIMEOUT", 5*time.Second)
	cfg.TelegramPollingEnabled = boolOr("TELEGRAM_POLLING_ENABLED", false)
	cfg.TelegramPollingTimeout = durationOr("TELEGRAM_POLLING_TIMEOUT", 25*time.Second)
	cfg.TelegramPollingInterval = durationOr("TELEGRAM_POLLING_INTERVAL", time.Second)
	cfg.TelegramPollingLimit = intOr("TELEGRAM_POLLING_LIMIT", 50)
	cfg.TelegramPollingDropPending = boolOr("TELEGRAM_POLLING_DROP_PENDING", true)
	cfg.TelegramPollingDropWebhook = boolOr("TELEGRAM_POLLING_DROP_WEBHOOK", true)
	cfg.TelegramInboundRateLimit = intOr("TELEGRAM_INBOUND_RATE_LIMIT_PER_MIN", 30)
	cfg.TelegramWebhookURL = envOr("TELEGRAM_WEBHOOK_URL", "")
	cfg.TelegramWebhookDropPending = boolOr("TELEGRAM_WEBHOOK_DROP_PENDING", false)
	cfg.SendMessageRateLimit = intOr("SEND_MESSAGE_RATE_LIMIT_PER_MIN", 60)
	cfg.OTPLength = intOr("OTP_LENGTH", 6)
	cfg.OTPTTL = durationOr("OTP_TTL", 10*time.Minute)
	cfg.OTPMaxAttempts = intOr("OTP_MAX_ATTEMPTS", 5)
	cfg.OTPSendPerHour = intOr("OTP_SEND_PER_HOUR", 5)
	cfg.SweepOnEvent = boolOr("SWEEP_ON_EVENT", true)
	cfg.SMTP = SMTPConfig{
		Host:     envOr("SMTP_HOST", ""),
		Port:     intOr("SMTP_PORT", 587),
		Username: envOr("SMTP_USERNAME", ""),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envOr("SMTP_FROM", ""),
		TLS:      strings.ToLower(envOr("SMTP_TLS", "opportunistic")),
		Timeout:  durationOr("SMTP_TIMEOUT", 10*time.Second),
	}

	cfg.BotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.WebhookSecret = strings.TrimSpace(os.Getenv("TELEGRAM_WEBHOOK_SECRET"))
	cfg.InternalAuthKey = strings.TrimSpace(os.Getenv("INTERNAL_AUTH_KEY"))

	problems := make([]string, 0, 8)
	if cfg.BotToken == "" {
		problems = append(problems, "missing TELEGRAM_BOT_TOKEN")
	}
	if cfg.OTPLength < 4 || cfg.OTPLength > 10 {
		problems = append(problems, "OTP_LENGTH must be between 4 and 10")
	}
	if cfg.OTPTTL < time.Minute || cfg.OTPTTL > 30*time.Minute {
		problems = append(problems, "OTP_TTL must be between 1m and 30m")
	}
	if cfg.OTPMaxAttempts < 0 {
		problems = append(problems, "OTP_MAX_ATTEMPTS must not be negative")
	}
	if cfg.OTPSendPerHour < 0 {
		problems = append(problems, "OTP_SEND_PER_HOUR must not be negative")
	}
	if cfg.TelegramInboundRateLimit < 0 {
		problems = append(problems, "TELEGRAM_INBOUND_RATE_LIMIT_PER_MIN must not be negative")
	}
	if cfg.SendMessageRateLimit < 0 {
		problems = append(problems, "SEND_MESSAGE_RATE_LIMIT_PER_MIN must not be negative")
	}
	if cfg.SMTP.Host != "" {
		if cfg.SMTP.From == "" {
			problems = append(problems, "missing SMTP_FROM")
		}
		switch cfg.SMTP.TLS {
		case "mandatory", "opportunistic", "none":
		default:
			problems = append(problems, "SMTP_TLS must be mandatory, opportunistic or none")
		}
	}
	if len(problems) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// LoadStorage читает только настройки хранилища и очистки.
// Его достаточно для команд sweep и migrate, которым не нужен токен бота.
func LoadStorage() (Config, error) {
	cfg := Config{
		LogLevel:         envOr("LOG_LEVEL", "info"),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBDriver:         strings.ToLower(envOr("DB_DRIVER", "postgres")),
		DBConnectTimeout: durationOr("DB_CONNECT_TIMEOUT", 30*time.Second),
		RedisURL:         envOr("REDIS_URL", ""),
		LinkRequestTTL:   durationOr("LINK_REQUEST_TTL", 24*time.Hour),
		SweepInterval:    durationOr("SWEEP_INTERVAL", 5*time.Minute),
	}
	if cfg.DBDriver == "pq" || cfg.DBDriver == "postgresql" {
		cfg.DBDriver = "postgres"
	}

	problems := make([]string, 0, 3)
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "pgx" {
		problems = append(problems, "DB_DRIVER must be postgres or pgx")
	}
	if cfg.LinkRequestTTL <= 0 {
		problems = append(problems, "LINK_REQUEST_TTL must be positive")
	}
	if cfg.SweepInterval < 0 {
		problems = append(problems, "SWEEP_INTERVAL must not be negative")
	}
	if len(problems) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationOr(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return duration
}

func intOr(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOr(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
