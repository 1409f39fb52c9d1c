package connections

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"
	"go.uber.org/zap"

	"ledgerbackend/clients"
	"ledgerbackend/core"
	"ledgerbackend/models"
	"ledgerbackend/services"
	"ledgerbackend/services/tokens"
)

type ConnectionsService struct {
	repo      services.ConnectionsRepository
	client    clients.AccountingOAuthClient
	txManager services.TransactionManager
}

func NewConnectionsService(
	repo services.ConnectionsRepository,
	client clients.AccountingOAuthClient,
	txManager services.TransactionManager,
) *ConnectionsService {
	return &ConnectionsService{
		repo:      repo,
		client:    client,
		txManager: txManager,
	}
}

// CompleteOAuthHandshake exchanges the authorization code and stores one
// connection per authorised organisation. All of them share the grant's
// token pair under one grant id, so a later refresh on any of them is copied
// to the others. Organisations already connected get their tokens replaced.
// The first connection becomes active when the user has none.
func (s *ConnectionsService) CompleteOAuthHandshake(
	ctx context.Context,
	userID, code string,
) ([]*models.AccountingConnection, error) {
	zap.L().Info("Starting to complete accounting OAuth handshake", zap.String("user_id", userID))

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("authorization code cannot be empty")
	}

	issued, err := s.client.ExchangeCodeForTokens(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	tokenSet := tokens.NewTokenSet(issued, time.Now())
	grantID := core.NewID("gr")

	tenants, err := s.client.GetTenants(ctx, tokenSet.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorised organisations: %w", err)
	}
	if len(tenants) == 0 {
		return nil, fmt.Errorf("no organisations were authorised")
	}

	var connections []*models.AccountingConnection
	err = s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		for _, tenant := range tenants {
			connection, err := s.upsertConnection(ctx, userID, grantID, tenant, tokenSet)
			if err != nil {
				return err
			}
			connections = append(connections, connection)
		}

		maybeActive, err := s.repo.GetActiveConnectionByUserID(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to check active connection: %w", err)
		}
		if maybeActive.IsAbsent() {
			if err := s.repo.ActivateConnection(ctx, userID, connections[0].ID); err != nil {
				return fmt.Errorf("failed to activate connection: %w", err)
			}
			connections[0].IsActive = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Completed successfully - stored accounting connections",
		zap.String("user_id", userID),
		zap.Int("count", len(connections)))
	return connections, nil
}

func (s *ConnectionsService) upsertConnection(
	ctx context.Context,
	userID, grantID string,
	tenant clients.AccountingTenant,
	tokenSet *tokens.TokenSet,
) (*models.AccountingConnection, error) {
	maybeExisting, err := s.repo.GetConnectionByUserAndTenant(ctx, userID, tenant.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing connection: %w", err)
	}

	if existing, ok := maybeExisting.Get(); ok {
		updated, err := s.repo.UpdateTokens(ctx, existing.ID, models.TokenUpdate{
			AccessToken:          tokenSet.AccessToken,
			RefreshToken:         tokenSet.RefreshToken,
			ExpiresAt:            tokenSet.ExpiresAt,
			AuthEventID:          tokenSet.AuthEventID,
			GrantID:              grantID,
			ResetRefreshIssuedAt: true,
			ExpectedUpdatedAt:    existing.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to replace tokens for tenant %s: %w", tenant.TenantID, err)
		}
		return updated, nil
	}

	connection := &models.AccountingConnection{
		ID:             core.NewID("ac"),
		UserID:         userID,
		TenantID:       tenant.TenantID,
		TenantName:     tenant.TenantName,
		AccessToken:    tokenSet.AccessToken,
		RefreshToken:   tokenSet.RefreshToken,
		TokenExpiresAt: tokenSet.ExpiresAt,
		AuthEventID:    tokenSet.AuthEventID,
		GrantID:        grantID,
	}
	if err := s.repo.CreateConnection(ctx, connection); err != nil {
		return nil, fmt.Errorf("failed to create connection for tenant %s: %w", tenant.TenantID, err)
	}
	return connection, nil
}

// ActivateConnection makes id the user's only active connection
func (s *ConnectionsService) ActivateConnection(ctx context.Context, userID, id string) error {
	zap.L().Info("Starting to activate accounting connection",
		zap.String("user_id", userID),
		zap.String("connection_id", id))

	if !core.IsValidULID(id) {
		return fmt.Errorf("connection ID must be a valid ULID")
	}

	err := s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.DeactivateUserConnections(ctx, userID); err != nil {
			return err
		}
		return s.repo.ActivateConnection(ctx, userID, id)
	})
	if err != nil {
		return fmt.Errorf("failed to activate accounting connection: %w", err)
	}

	zap.L().Info("Completed successfully - activated accounting connection", zap.String("connection_id", id))
	return nil
}

func (s *ConnectionsService) ListConnections(ctx context.Context, userID string) ([]*models.AccountingConnection, error) {
	connections, err := s.repo.ListConnectionsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounting connections: %w", err)
	}
	return connections, nil
}

func (s *ConnectionsService) GetActiveConnection(
	ctx context.Context,
	userID string,
) (mo.Option[*models.AccountingConnection], error) {
	maybeConnection, err := s.repo.GetActiveConnectionByUserID(ctx, userID)
	if err != nil {
		return mo.None[*models.AccountingConnection](), fmt.Errorf("failed to get active accounting connection: %w", err)
	}
	return maybeConnection, nil
}

// DisconnectConnection deletes the stored credentials for one organisation
func (s *ConnectionsService) DisconnectConnection(ctx context.Context, userID, id string) error {
	zap.L().Info("Starting to disconnect accounting connection",
		zap.String("user_id", userID),
		zap.String("connection_id", id))

	if !core.IsValidULID(id) {
		return fmt.Errorf("connection ID must be a valid ULID")
	}

	if err := s.repo.DeleteConnection(ctx, userID, id); err != nil {
		return fmt.Errorf("failed to disconnect accounting connection: %w", err)
	}

	zap.L().Info("Completed successfully - disconnected accounting connection", zap.String("connection_id", id))
	return nil
}
