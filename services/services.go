package services

import (
	"context"

	"github.com/samber/mo"

	"ledgerbackend/models"
)

// ConnectionStore is the narrow persistence surface the resilience layer
// reads and writes through. UpdateTokens is a conditional write and returns
// core.ErrConflict when the row moved since ExpectedUpdatedAt.
type ConnectionStore interface {
	GetConnectionByID(ctx context.Context, id string) (mo.Option[*models.AccountingConnection], error)
	GetActiveConnectionByUserID(ctx context.Context, userID string) (mo.Option[*models.AccountingConnection], error)
	ListConnectionsByGrantID(ctx context.Context, grantID string) ([]*models.AccountingConnection, error)
	UpdateTokens(ctx context.Context, id string, update models.TokenUpdate) (*models.AccountingConnection, error)
	UpdateRateLimitInfo(ctx context.Context, id string, snapshot models.RateLimitSnapshot) error
	UpdateConnectionError(ctx context.Context, id string, update models.ConnectionErrorUpdate) error
	UpdateLastAPICall(ctx context.Context, id string) error
}

// ConnectionsRepository adds the lifecycle operations used by connection management
type ConnectionsRepository interface {
	ConnectionStore

	CreateConnection(ctx context.Context, connection *models.AccountingConnection) error
	GetConnectionByUserAndTenant(
		ctx context.Context,
		userID, tenantID string,
	) (mo.Option[*models.AccountingConnection], error)
	ListConnectionsByUserID(ctx context.Context, userID string) ([]*models.AccountingConnection, error)
	ListActiveConnections(ctx context.Context) ([]*models.AccountingConnection, error)
	DeactivateUserConnections(ctx context.Context, userID string) error
	ActivateConnection(ctx context.Context, userID, id string) error
	DeleteConnection(ctx context.Context, userID, id string) error
}

// TransactionManager handles database transactions via context
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
