package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"ledgerbackend/clients/accounting"
	"ledgerbackend/config"
	"ledgerbackend/core"
	"ledgerbackend/db"
	"ledgerbackend/handlers"
	"ledgerbackend/middleware"
	"ledgerbackend/services/apierrors"
	"ledgerbackend/services/connections"
	"ledgerbackend/services/ratelimit"
	"ledgerbackend/services/slots"
	"ledgerbackend/services/tokens"
	"ledgerbackend/services/tools"
	"ledgerbackend/services/txmanager"
	"ledgerbackend/utils"
)

func main() {
	logger, err := utils.NewLogger(os.Getenv("ENVIRONMENT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	if err := run(); err != nil {
		zap.L().Error("Fatal error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	alertMiddleware := middleware.NewErrorAlertMiddleware(middleware.AlertConfig{
		WebhookURL:  cfg.AlertWebhookURL,
		Environment: cfg.Environment,
		AppName:     "ledgerbackend",
		LogsURL:     cfg.ServerLogsURL,
	})

	dbConn, err := db.NewConnection(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	cipher, err := core.NewXChaChaTokenCipherFromBase64(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
	}

	connectionsRepo := db.NewPostgresAccountingConnectionsRepository(dbConn, cfg.DatabaseSchema, cipher)
	txManager := txmanager.NewTransactionManager(dbConn)
	accountingClient := accounting.NewAccountingClient(accountingClientConfig(cfg))

	limiter, closeLimiter, err := newSlotLimiter(cfg.LimitsConfig)
	if err != nil {
		return err
	}
	defer closeLimiter()

	tokenManager := tokens.NewManager(connectionsRepo, accountingClient)
	governor := ratelimit.NewGovernor(connectionsRepo, ratelimit.Config{
		PerMinute: cfg.LimitsConfig.RateLimitPerMinute,
		MaxWait:   cfg.LimitsConfig.RateLimitMaxWait,
	})
	retryPolicy := apierrors.NewRetryPolicy(apierrors.RetryConfig{
		MaxRetries:    cfg.LimitsConfig.RetryMaxAttempts,
		BaseDelay:     cfg.LimitsConfig.RetryBaseDelay,
		MaxDelay:      cfg.LimitsConfig.RetryMaxDelay,
		MaxRetryAfter: cfg.LimitsConfig.RateLimitMaxWait,
	}, governor, connectionsRepo)

	dispatcher := tools.NewDispatcher(connectionsRepo, accountingClient, tokenManager, governor, limiter, retryPolicy)
	connectionsService := connections.NewConnectionsService(connectionsRepo, accountingClient, txManager)

	identity := middleware.NewIdentityMiddleware()
	router := mux.NewRouter()
	handlers.NewToolsHandler(dispatcher).SetupEndpoints(router, identity)
	forgetters := []handlers.ConnectionStateForgetter{governor}
	// redis slot keys expire on their own
	if forgetter, ok := limiter.(handlers.ConnectionStateForgetter); ok {
		forgetters = append(forgetters, forgetter)
	}
	handlers.NewConnectionsHandler(connectionsService, forgetters...).SetupEndpoints(router, identity)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			zap.L().Error("Failed to write health check response", zap.Error(err))
		}
	}).Methods("GET")

	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i, origin := range allowedOrigins {
		allowedOrigins[i] = strings.TrimSpace(origin)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.UserIDHeader, middleware.RequestIDHeader},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.RequestLogger(alertMiddleware.HTTPMiddleware(c.Handler(router))),
		ReadHeaderTimeout: 30 * time.Second,
	}

	return handleGracefulShutdown(server)
}

func accountingClientConfig(cfg *config.AppConfig) accounting.Config {
	return accounting.Config{
		ClientID:       cfg.AccountingConfig.ClientID,
		ClientSecret:   cfg.AccountingConfig.ClientSecret,
		RedirectURL:    cfg.AccountingConfig.RedirectURL,
		TokenURL:       cfg.AccountingConfig.TokenURL,
		APIBaseURL:     cfg.AccountingConfig.APIBaseURL,
		ConnectionsURL: cfg.AccountingConfig.ConnectionsURL,
		TenantHeader:   cfg.AccountingConfig.TenantHeader,
		Timeout:        cfg.AccountingConfig.HTTPTimeout,
	}
}

func newSlotLimiter(limits config.LimitsConfig) (slots.Limiter, func(), error) {
	if limits.SlotBackend != config.SlotBackendRedis {
		zap.L().Info("Using in-process concurrency slots", zap.Int("max_concurrent", limits.MaxConcurrentCalls))
		return slots.NewMemoryLimiter(limits.MaxConcurrentCalls, limits.SlotAcquireTimeout), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	redisClient, err := slots.NewRedisClient(ctx, limits.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("Using Redis concurrency slots", zap.Int("max_concurrent", limits.MaxConcurrentCalls))
	closeFn := func() {
		if err := redisClient.Close(); err != nil {
			zap.L().Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	return slots.NewRedisLimiter(redisClient, limits.MaxConcurrentCalls, limits.SlotAcquireTimeout), closeFn, nil
}

func handleGracefulShutdown(server *http.Server) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		zap.L().Info("Listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-stop:
	}
	zap.L().Info("Shutdown signal received, cleaning up")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zap.L().Error("Server shutdown error", zap.Error(err))
		return err
	}

	zap.L().Info("Server stopped gracefully")
	return nil
}
