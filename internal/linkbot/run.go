package linkbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"linkbot/internal/config"
	"linkbot/internal/httpapi"
	"linkbot/internal/linking"
	"linkbot/internal/logging"
	"linkbot/internal/mailer"
	"linkbot/internal/metrics"
	"linkbot/internal/notify"
	"linkbot/internal/observability"
	"linkbot/internal/ratelimit"
	"linkbot/internal/store/postgres"
	"linkbot/internal/telegram"
)

// Run запускает бота и HTTP-сервер и блокирует выполнение до отмены ctx.
func Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	redisClient := ratelimit.Connect(ctx, cfg.RedisURL, logger)
	if redisClient != nil {
		defer closeRedis(redisClient, logger)
	}
	limiters := ratelimit.Factory{Redis: redisClient, Logger: logger}

	accounts, requests, db, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	telegramClient := telegram.NewClient(cfg.BotToken, &http.Client{Timeout: cfg.TelegramTimeout})
	mail, err := newMailer(cfg.SMTP, logger)
	if err != nil {
		return err
	}
	gateway := notify.NewGateway(telegramClient, mail, logger)

	codec := linking.NewCodec(cfg.OTPLength, cfg.OTPTTL)
	sweeper := linking.NewSweeper(requests, cfg.LinkRequestTTL, logger)
	machine := linking.NewMachine(accounts, requests, gateway, codec, sweeper, linking.MachineConfig{
		SweepOnEvent:   cfg.SweepOnEvent,
		AttemptLimiter: limiters.New(cfg.OTPMaxAttempts, cfg.OTPTTL, "otp:attempts"),
		SendLimiter:    limiters.New(cfg.OTPSendPerHour, time.Hour, "otp:send"),
	}, logger)

	collector := metrics.NewCollector()
	bot := telegram.NewBot(telegramClient, machine, limiters.New(cfg.TelegramInboundRateLimit, time.Minute, "telegram:inbound"), collector, logger)

	var poller *telegram.Poller
	if cfg.TelegramPollingEnabled {
		pollTimeout := cfg.TelegramPollingTimeout + 5*time.Second
		if pollTimeout < cfg.TelegramTimeout {
			pollTimeout = cfg.TelegramTimeout
		}
		pollerClient := telegram.NewClient(cfg.BotToken, &http.Client{Timeout: pollTimeout})
		poller = telegram.NewPoller(pollerClient, bot, logger, cfg.TelegramPollingTimeout, cfg.TelegramPollingInterval, cfg.TelegramPollingLimit, cfg.TelegramPollingDropPending, cfg.TelegramPollingDropWebhook)
	} else if cfg.TelegramWebhookURL == "" {
		logger.Warn("telegram webhook url missing; bot will not receive updates")
	} else {
		setCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := telegramClient.SetWebhook(setCtx, cfg.TelegramWebhookURL, cfg.WebhookSecret, cfg.TelegramWebhookDropPending)
		cancel()
		if err != nil {
			return fmt.Errorf("telegram set webhook failed: %w", err)
		}
		logger.Info("telegram webhook configured", slog.String("url", cfg.TelegramWebhookURL))
	}

	mux := http.NewServeMux()
	mux.Handle("/telegram/webhook", telegram.NewWebhookHandler(bot, cfg.WebhookSecret, logger))
	if cfg.InternalAuthKey != "" {
		api := httpapi.NewAPI(accounts, gateway, cfg.InternalAuthKey, limiters.New(cfg.SendMessageRateLimit, time.Minute, "api:ip"), logger)
		api.Register(mux)
	} else {
		logger.Info("internal api disabled: INTERNAL_AUTH_KEY is empty")
	}
	mux.Handle("/metrics", metrics.NewHandler(collector))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           withMetrics(collector, withRequestID(logger, mux)),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("link bot listening", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("link bot shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	if poller != nil {
		group.Go(func() error {
			logger.Info("telegram polling enabled", slog.Duration("timeout", cfg.TelegramPollingTimeout))
			poller.Run(groupCtx)
			return nil
		})
	}
	if cfg.SweepInterval > 0 {
		group.Go(func() error {
			sweeper.Run(groupCtx, cfg.SweepInterval, collector.AddSwept)
			return nil
		})
	}
	return group.Wait()
}

// Sweep один раз удаляет просроченные запросы на привязку.
func Sweep(ctx context.Context) (int64, error) {
	cfg, err := config.LoadStorage()
	if err != nil {
		return 0, err
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if cfg.DatabaseURL == "" {
		return 0, errors.New("DATABASE_URL is required for sweep")
	}
	_, requests, db, err := openStores(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return linking.NewSweeper(requests, cfg.LinkRequestTTL, logger).Sweep(ctx)
}

// Migrate применяет схему базы данных.
func Migrate(ctx context.Context) error {
	cfg, err := config.LoadStorage()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("database schema applied")
	return nil
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (linking.AccountStore, linking.LinkRequestStore, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("database url missing, using in-memory stores")
		return linking.NewMemoryAccountStore(), linking.NewMemoryLinkRequestStore(), nil, nil
	}
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return postgres.NewAccountStore(db), postgres.NewLinkRequestStore(db), db, nil
}

func openDB(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := postgres.Open(ctx, postgres.Config{
		Driver:          cfg.DBDriver,
		DSN:             cfg.DatabaseURL,
		ConnectTimeout:  cfg.DBConnectTimeout,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("database connect failed: %w", err)
	}
	return db, nil
}

func newMailer(cfg config.SMTPConfig, logger *slog.Logger) (mailer.Sender, error) {
	if cfg.Host == "" {
		logger.Warn("smtp host missing, emails will only be logged")
		return mailer.NewLogSender(logger), nil
	}
	sender, err := mailer.NewSMTPSender(mailer.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		TLS:      cfg.TLS,
		Timeout:  cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("smtp setup failed: %w", err)
	}
	return sender, nil
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Error("redis close failed", slog.String("error", err.Error()))
	}
}

func withRequestID(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = observability.NewRequestID()
		}
		ctx := observability.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		logger.Debug("request received", slog.String("path", r.URL.Path), slog.String("method", r.Method), slog.String("request_id", requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func withMetrics(collector *metrics.Collector, next http.Handler) http.Handler {
	if collector == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		collector.IncRequests()
		next.ServeHTTP(recorder, r)
		if recorder.status >= http.StatusInternalServerError {
			collector.IncErrors()
		}
	})
}
