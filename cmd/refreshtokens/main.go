package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"ledgerbackend/clients/accounting"
	"ledgerbackend/config"
	"ledgerbackend/core"
	"ledgerbackend/db"
	"ledgerbackend/middleware"
	"ledgerbackend/models"
	"ledgerbackend/services/tokens"
	"ledgerbackend/utils"
)

const (
	// refresh access tokens that would expire before the next run
	accessTokenWindow = 10 * time.Minute
	// refresh tokens roll over on a 60 day window
	maxRefreshTokenAge = 50 * 24 * time.Hour
)

type summary struct {
	total     int
	refreshed int
	skipped   int
	failed    int
}

func main() {
	logger, err := utils.NewLogger(os.Getenv("ENVIRONMENT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	result, err := run()
	_ = logger.Sync()
	if err != nil || result.failed > 0 {
		os.Exit(1)
	}
}

func run() (summary, error) {
	zap.L().Info("Starting accounting token refresh process")

	cfg, err := config.LoadConfig()
	if err != nil {
		zap.L().Error("Failed to load configuration", zap.Error(err))
		return summary{}, err
	}

	alerts := middleware.NewErrorAlertMiddleware(middleware.AlertConfig{
		WebhookURL:  cfg.AlertWebhookURL,
		Environment: cfg.Environment,
		AppName:     "ledgerbackend-refreshtokens",
		LogsURL:     cfg.ServerLogsURL,
	})
	defer alerts.Wait()

	dbConn, err := db.NewConnection(cfg.DatabaseURL)
	if err != nil {
		zap.L().Error("Failed to connect to database", zap.Error(err))
		return summary{}, err
	}
	defer dbConn.Close()

	cipher, err := core.NewXChaChaTokenCipherFromBase64(cfg.TokenEncryptionKey)
	if err != nil {
		return summary{}, fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
	}

	repo := db.NewPostgresAccountingConnectionsRepository(dbConn, cfg.DatabaseSchema, cipher)
	client := accounting.NewAccountingClient(accounting.Config{
		ClientID:     cfg.AccountingConfig.ClientID,
		ClientSecret: cfg.AccountingConfig.ClientSecret,
		TokenURL:     cfg.AccountingConfig.TokenURL,
		APIBaseURL:   cfg.AccountingConfig.APIBaseURL,
		TenantHeader: cfg.AccountingConfig.TenantHeader,
		Timeout:      cfg.AccountingConfig.HTTPTimeout,
	})
	manager := tokens.NewManager(repo, client)

	ctx := context.Background()
	connections, err := repo.ListActiveConnections(ctx)
	if err != nil {
		zap.L().Error("Failed to list active connections", zap.Error(err))
		return summary{}, err
	}

	var result summary
	result.total = len(connections)
	zap.L().Info("Found active connections to process", zap.Int("count", result.total))

	for _, connection := range connections {
		task := alerts.WrapBackgroundTask("RefreshAccountingTokens", func() error {
			return refreshConnection(ctx, manager, connection, &result)
		})
		if err := task(); err != nil {
			result.failed++
		}
	}

	zap.L().Info("Completed successfully - token refresh process finished",
		zap.Int("connections", result.total),
		zap.Int("refreshed", result.refreshed),
		zap.Int("skipped", result.skipped),
		zap.Int("failed", result.failed))
	return result, nil
}

func refreshConnection(
	ctx context.Context,
	manager *tokens.Manager,
	connection *models.AccountingConnection,
	result *summary,
) error {
	refreshed, err := manager.RefreshIfExpiring(ctx, connection, accessTokenWindow, maxRefreshTokenAge)
	if err != nil {
		zap.L().Error("Failed to refresh tokens",
			zap.String("connection_id", connection.ID),
			zap.String("user_id", connection.UserID),
			zap.Error(err))
		return fmt.Errorf("connection %s: %w", connection.ID, err)
	}
	if !refreshed {
		result.skipped++
		return nil
	}

	result.refreshed++
	zap.L().Info("Refreshed tokens",
		zap.String("connection_id", connection.ID),
		zap.Time("expires_at", connection.TokenExpiresAt))
	return nil
}
