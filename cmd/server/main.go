package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"starchat/internal/auth"
	"starchat/internal/chat"
	"starchat/internal/config"
	"starchat/internal/crypto"
	"starchat/internal/history"
	"starchat/internal/httpapi"
	"starchat/internal/metrics"
	"starchat/internal/payments"
	"starchat/internal/providers/registry"
	"starchat/internal/quota"
	"starchat/internal/ratelimit"
	"starchat/internal/storage"
	"starchat/internal/telegram"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	for _, w := range cfg.Warnings {
		log.Warn().Str("component", "config").Msg(w)
	}
	log.Info().
		Str("env", cfg.AppEnv).
		Bool("hardened", cfg.Hardened).
		Str("provider", cfg.Model.Provider).
		Str("db_driver", cfg.DB.Driver).
		Bool("mock_auth", cfg.AllowMockAuth).
		Bool("bypass_quota", cfg.BypassQuota).
		Msg("starting starchat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	if !cfg.AllowMockAuth {
		deleted, err := store.DeleteUserCascade(ctx, auth.MockUserID)
		if err != nil {
			log.Error().Err(err).Msg("failed to remove mock user")
		} else if deleted {
			log.Info().Str("user_id", auth.MockUserID).Msg("removed mock user and its data")
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	} else {
		log.Warn().Msg("REDIS_ADDR is not set; rate limits and update dedupe are disabled")
	}

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	var bot *telegram.Client
	if cfg.BotToken != "" {
		bot, err = telegram.NewClient(cfg.BotToken)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create telegram client")
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Model.Timeout
	provider, err := registry.Build(registry.BuildOptions{
		Kind:        cfg.Model.Provider,
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		HTTPClient:  &http.Client{Transport: transport},
		MaxRetries:  cfg.Model.MaxRetries,
		BackoffBase: cfg.Model.BackoffBase,
		MockDelay:   cfg.Model.MockDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build model provider")
	}

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session issuer")
	}

	m := metrics.Global()
	ledger := quota.New(quota.Config{
		Store:           store,
		ResetWindow:     cfg.Quota.ResetWindow,
		PaidDailyTokens: cfg.Quota.PaidDailyTokens,
		Bypass:          cfg.BypassQuota,
	})
	hist := history.New(history.Config{
		Store:        store,
		Crypto:       cryptoManager,
		RotateOnRead: cfg.Crypto.RotateOnRead,
		Logger:       log.Logger.With().Str("component", "history").Logger(),
	})

	payCfg := payments.Config{
		Store:           store,
		Quota:           ledger,
		Title:           cfg.Payments.InvoiceTitle,
		PriceLabel:      cfg.Payments.PriceLabel,
		Currency:        cfg.Payments.Currency,
		WebhookSecret:   cfg.Payments.WebhookSecret,
		FreeDailyTokens: cfg.Quota.FreeDailyTokens,
		Metrics:         m,
		Logger:          log.Logger.With().Str("component", "payments").Logger(),
	}
	var greeter *telegram.Greeter
	if bot != nil {
		payCfg.Bot = bot
		greeter = &telegram.Greeter{
			Sender:    bot,
			WebAppURL: cfg.WebAppURL,
			Logger:    log.Logger.With().Str("component", "telegram").Logger(),
		}
	}

	var limiters httpapi.Limiters
	if rdb != nil {
		limiters = httpapi.Limiters{
			General: ratelimit.New(rdb, "general", cfg.Rate.General.Limit, cfg.Rate.General.Window),
			Chat:    ratelimit.New(rdb, "chat", cfg.Rate.Chat.Limit, cfg.Rate.Chat.Window),
			Auth:    ratelimit.New(rdb, "auth", cfg.Rate.Auth.Limit, cfg.Rate.Auth.Window),
		}
		if greeter != nil {
			greeter.Dedupe = ratelimit.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL)
		}
	}

	api := httpapi.New(httpapi.Config{
		BasePath:       cfg.HTTP.BasePath,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		HealthPath:     cfg.HTTP.HealthPath,
		MetricsPath:    cfg.HTTP.MetricsPath,
		TrustProxy:     cfg.HTTP.TrustProxy,
		Login: auth.NewLoginService(auth.LoginConfig{
			Users:           store,
			Issuer:          issuer,
			BotToken:        cfg.BotToken,
			AllowMockAuth:   cfg.AllowMockAuth,
			FreeDailyTokens: cfg.Quota.FreeDailyTokens,
			InitDataMaxAge:  cfg.Auth.InitDataMaxAge,
			Logger:          log.Logger.With().Str("component", "auth").Logger(),
		}),
		Issuer: issuer,
		Chat: chat.NewService(chat.Config{
			Quota:           ledger,
			History:         hist,
			Provider:        provider,
			Model:           cfg.Model.Model,
			SystemPrompt:    cfg.Model.SystemPrompt,
			MaxInputTokens:  cfg.Model.MaxInputTokens,
			MaxOutputTokens: cfg.Model.MaxOutputTokens,
			Temperature:     cfg.Model.Temperature,
			PriceInput:      cfg.Model.PriceInput,
			PriceOutput:     cfg.Model.PriceOutput,
			Metrics:         m,
			Logger:          log.Logger.With().Str("component", "chat").Logger(),
		}),
		Quota:    ledger,
		History:  hist,
		Payments: payments.New(payCfg),
		Greeter:  greeter,
		Limiters: limiters,
		Ping:     store.Ping,
		Metrics:  m,
		Logger:   log.Logger,
	})

	// No WriteTimeout: chat responses are long lived streams.
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Str("base_path", cfg.HTTP.BasePath).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
