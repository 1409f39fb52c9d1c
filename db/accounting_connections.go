package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"

	// necessary import to wire up the postgres driver
	_ "github.com/lib/pq"

	"ledgerbackend/core"
	dbtx "ledgerbackend/db/tx"
	"ledgerbackend/models"
)

type PostgresAccountingConnectionsRepository struct {
	db     *sqlx.DB
	schema string
	cipher core.TokenCipher
}

// Column names for accounting_connections table
var accountingConnectionsColumns = []string{
	"id",
	"user_id",
	"tenant_id",
	"tenant_name",
	"is_active",
	"access_token",
	"refresh_token",
	"token_expires_at",
	"auth_event_id",
	"grant_id",
	"refresh_token_issued_at",
	"minute_remaining",
	"day_remaining",
	"rate_limit_problem",
	"rate_limit_reset_at",
	"last_error_message",
	"last_error_kind",
	"last_correlation_id",
	"last_error_details",
	"last_error_at",
	"last_api_call_at",
	"created_at",
	"updated_at",
}

func NewPostgresAccountingConnectionsRepository(
	db *sqlx.DB,
	schema string,
	cipher core.TokenCipher,
) *PostgresAccountingConnectionsRepository {
	return &PostgresAccountingConnectionsRepository{db: db, schema: schema, cipher: cipher}
}

func (r *PostgresAccountingConnectionsRepository) CreateConnection(
	ctx context.Context,
	connection *models.AccountingConnection,
) error {
	db := dbtx.GetTransactional(ctx, r.db)

	accessToken, refreshToken, err := r.encryptTokens(connection.AccessToken, connection.RefreshToken)
	if err != nil {
		return err
	}

	insertColumns := []string{
		"id",
		"user_id",
		"tenant_id",
		"tenant_name",
		"is_active",
		"access_token",
		"refresh_token",
		"token_expires_at",
		"auth_event_id",
		"grant_id",
		"refresh_token_issued_at",
		"created_at",
		"updated_at",
	}
	columnsStr := strings.Join(insertColumns, ", ")
	returningStr := strings.Join(accountingConnectionsColumns, ", ")

	query := fmt.Sprintf(`
		INSERT INTO %s.accounting_connections (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW(), NOW())
		RETURNING %s`, r.schema, columnsStr, returningStr)

	err = db.QueryRowxContext(
		ctx,
		query,
		connection.ID,
		connection.UserID,
		connection.TenantID,
		connection.TenantName,
		connection.IsActive,
		accessToken,
		refreshToken,
		connection.TokenExpiresAt,
		connection.AuthEventID,
		connection.GrantID,
	).StructScan(connection)
	if err != nil {
		return fmt.Errorf("failed to create accounting connection: %w", err)
	}

	return r.decryptConnection(connection)
}

func (r *PostgresAccountingConnectionsRepository) GetConnectionByID(
	ctx context.Context,
	id string,
) (mo.Option[*models.AccountingConnection], error) {
	columnsStr := strings.Join(accountingConnectionsColumns, ", ")
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.accounting_connections
		WHERE id = $1`, columnsStr, r.schema)

	return r.getOne(ctx, query, id)
}

func (r *PostgresAccountingConnectionsRepository) GetActiveConnectionByUserID(
	ctx context.Context,
	userID string,
) (mo.Option[*models.AccountingConnection], error) {
	if userID == "" {
		return mo.None[*models.AccountingConnection](), fmt.Errorf("user ID cannot be empty")
	}

	columnsStr := strings.Join(accountingConnectionsColumns, ", ")
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.accounting_connections
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1`, columnsStr, r.schema)

	return r.getOne(ctx, query, userID)
}

func (r *PostgresAccountingConnectionsRepository) GetConnectionByUserAndTenant(
	ctx context.Context,
	userID, tenantID string,
) (mo.Option[*models.AccountingConnection], error) {
	columnsStr := strings.Join(accountingConnectionsColumns, ", ")
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.accounting_connections
		WHERE user_id = $1 AND tenant_id = $2`, columnsStr, r.schema)

	return r.getOne(ctx, query, userID, tenantID)
}

func (r *PostgresAccountingConnectionsRepository) ListConnectionsByUserID(
	ctx context.Context,
	userID string,
) ([]*models.AccountingConnection, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}

	columnsStr := strings.Join(accountingConnectionsColumns, ", ")
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.accounting_connections
		WHERE user_id = $1
		ORDER BY created_at DESC`, columnsStr, r.schema)

	return r.getMany(ctx, query, userID)
}

// ListConnectionsByGrantID returns every connection sharing the grant's token pair
func (r *PostgresAccountingConnectionsRepository) ListConnectionsByGrantID(
	ctx context.Context,
	grantID string,
) ([]*models.AccountingConnection, error) {
	if grantID == "" {
		return []*models.AccountingConnection{}, nil
	}

	columnsStr := strings.Join(accountingConnectionsColumns, ", ")
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.accounting_connections
		WHERE grant_id = $1
		ORDER BY created_at ASC`, columnsStr, r.schema)

	return r.getMany(ctx, query, grantID)
}

func (r *PostgresAccountingConnectionsRepository) ListActiveConnections(
	ctx context.Context,
) ([]*models.AccountingConnection, error) {
	columnsStr := strings.Join(accountingConnectionsColumns, ", ")
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.accounting_connections
		WHERE is_active = TRUE
		ORDER BY token_expires_at ASC`, columnsStr, r.schema)

	return r.getMany(ctx, query)
}

// UpdateTokens writes rotated tokens only when updated_at still matches
// update.ExpectedUpdatedAt. A lost race returns core.ErrConflict; a missing
// row returns core.ErrNotFound.
func (r *PostgresAccountingConnectionsRepository) UpdateTokens(
	ctx context.Context,
	id string,
	update models.TokenUpdate,
) (*models.AccountingConnection, error) {
	db := dbtx.GetTransactional(ctx, r.db)

	accessToken, refreshToken, err := r.encryptTokens(update.AccessToken, update.RefreshToken)
	if err != nil {
		return nil, err
	}

	returningStr := strings.Join(accountingConnectionsColumns, ", ")
	query := fmt.Sprintf(`
		UPDATE %s.accounting_connections
		SET access_token = $2,
			refresh_token = $3,
			token_expires_at = $4,
			auth_event_id = COALESCE($5, auth_event_id),
			refresh_token_issued_at = CASE WHEN $6::boolean THEN NOW() ELSE refresh_token_issued_at END,
			grant_id = COALESCE(NULLIF($8, ''), grant_id),
			updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
		WHERE id = $1 AND updated_at = $7
		RETURNING %s`, r.schema, returningStr)

	var connection models.AccountingConnection
	err = db.QueryRowxContext(
		ctx,
		query,
		id,
		accessToken,
		refreshToken,
		update.ExpiresAt,
		update.AuthEventID,
		update.ResetRefreshIssuedAt,
		update.ExpectedUpdatedAt,
		update.GrantID,
	).StructScan(&connection)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to update accounting connection tokens: %w", err)
		}

		exists, existsErr := r.connectionExists(ctx, id)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
		}
		return nil, fmt.Errorf("accounting connection %s: %w", id, core.ErrConflict)
	}

	if err := r.decryptConnection(&connection); err != nil {
		return nil, err
	}
	return &connection, nil
}

// UpdateRateLimitInfo stores the latest counters. A counter missing from the
// snapshot keeps its stored value. It does not touch updated_at, which is
// reserved for token writes.
func (r *PostgresAccountingConnectionsRepository) UpdateRateLimitInfo(
	ctx context.Context,
	id string,
	snapshot models.RateLimitSnapshot,
) error {
	db := dbtx.GetTransactional(ctx, r.db)

	var problem *string
	if snapshot.Problem != "" {
		problem = &snapshot.Problem
	}

	query := fmt.Sprintf(`
		UPDATE %s.accounting_connections
		SET minute_remaining = COALESCE($2, minute_remaining),
			day_remaining = COALESCE($3, day_remaining),
			rate_limit_problem = $4,
			rate_limit_reset_at = $5
		WHERE id = $1`, r.schema)

	result, err := db.ExecContext(ctx, query, id, snapshot.MinuteRemaining, snapshot.DayRemaining, problem, snapshot.ResetAt)
	if err != nil {
		return fmt.Errorf("failed to update rate limit info: %w", err)
	}

	return requireRowsAffected(result, id)
}

func (r *PostgresAccountingConnectionsRepository) UpdateConnectionError(
	ctx context.Context,
	id string,
	update models.ConnectionErrorUpdate,
) error {
	db := dbtx.GetTransactional(ctx, r.db)

	query := fmt.Sprintf(`
		UPDATE %s.accounting_connections
		SET last_error_message = $2,
			last_error_kind = $3,
			last_correlation_id = NULLIF($4, ''),
			last_error_details = NULLIF($5, ''),
			last_error_at = NOW()
		WHERE id = $1`, r.schema)

	result, err := db.ExecContext(ctx, query, id, update.Message, string(update.Kind), update.CorrelationID, update.Details)
	if err != nil {
		return fmt.Errorf("failed to update connection error: %w", err)
	}

	return requireRowsAffected(result, id)
}

func (r *PostgresAccountingConnectionsRepository) UpdateLastAPICall(ctx context.Context, id string) error {
	db := dbtx.GetTransactional(ctx, r.db)

	query := fmt.Sprintf(`
		UPDATE %s.accounting_connections
		SET last_api_call_at = NOW()
		WHERE id = $1`, r.schema)

	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to update last API call: %w", err)
	}

	return requireRowsAffected(result, id)
}

// DeactivateUserConnections clears the active flag on every connection of the user
func (r *PostgresAccountingConnectionsRepository) DeactivateUserConnections(ctx context.Context, userID string) error {
	db := dbtx.GetTransactional(ctx, r.db)

	query := fmt.Sprintf(`
		UPDATE %s.accounting_connections
		SET is_active = FALSE
		WHERE user_id = $1 AND is_active = TRUE`, r.schema)

	if _, err := db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to deactivate accounting connections: %w", err)
	}

	return nil
}

func (r *PostgresAccountingConnectionsRepository) ActivateConnection(ctx context.Context, userID, id string) error {
	db := dbtx.GetTransactional(ctx, r.db)

	query := fmt.Sprintf(`
		UPDATE %s.accounting_connections
		SET is_active = TRUE
		WHERE id = $1 AND user_id = $2`, r.schema)

	result, err := db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to activate accounting connection: %w", err)
	}

	return requireRowsAffected(result, id)
}

func (r *PostgresAccountingConnectionsRepository) DeleteConnection(ctx context.Context, userID, id string) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if id == "" {
		return fmt.Errorf("connection ID cannot be empty")
	}

	db := dbtx.GetTransactional(ctx, r.db)

	query := fmt.Sprintf(`
		DELETE FROM %s.accounting_connections
		WHERE id = $1 AND user_id = $2`, r.schema)

	result, err := db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete accounting connection: %w", err)
	}

	return requireRowsAffected(result, id)
}

func (r *PostgresAccountingConnectionsRepository) connectionExists(ctx context.Context, id string) (bool, error) {
	db := dbtx.GetTransactional(ctx, r.db)

	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s.accounting_connections WHERE id = $1)`, r.schema)

	var exists bool
	if err := db.GetContext(ctx, &exists, query, id); err != nil {
		return false, fmt.Errorf("failed to check accounting connection existence: %w", err)
	}
	return exists, nil
}

func (r *PostgresAccountingConnectionsRepository) getOne(
	ctx context.Context,
	query string,
	args ...any,
) (mo.Option[*models.AccountingConnection], error) {
	db := dbtx.GetTransactional(ctx, r.db)

	var connection models.AccountingConnection
	err := db.GetContext(ctx, &connection, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[*models.AccountingConnection](), nil
		}
		return mo.None[*models.AccountingConnection](), fmt.Errorf("failed to get accounting connection: %w", err)
	}

	if err := r.decryptConnection(&connection); err != nil {
		return mo.None[*models.AccountingConnection](), err
	}
	return mo.Some(&connection), nil
}

func (r *PostgresAccountingConnectionsRepository) getMany(
	ctx context.Context,
	query string,
	args ...any,
) ([]*models.AccountingConnection, error) {
	db := dbtx.GetTransactional(ctx, r.db)

	connections := []*models.AccountingConnection{}
	if err := db.SelectContext(ctx, &connections, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list accounting connections: %w", err)
	}

	for _, connection := range connections {
		if err := r.decryptConnection(connection); err != nil {
			return nil, err
		}
	}
	return connections, nil
}

func (r *PostgresAccountingConnectionsRepository) encryptTokens(accessToken, refreshToken string) (string, string, error) {
	encAccess, err := r.cipher.Encrypt(accessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := r.cipher.Encrypt(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return encAccess, encRefresh, nil
}

func (r *PostgresAccountingConnectionsRepository) decryptConnection(connection *models.AccountingConnection) error {
	accessToken, err := r.cipher.Decrypt(connection.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt access token for connection %s: %w", connection.ID, err)
	}
	refreshToken, err := r.cipher.Decrypt(connection.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token for connection %s: %w", connection.ID, err)
	}

	connection.AccessToken = accessToken
	connection.RefreshToken = refreshToken
	connection.TokenExpiresAt = connection.TokenExpiresAt.UTC()
	connection.UpdatedAt = connection.UpdatedAt.UTC()
	return nil
}

func requireRowsAffected(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
	}
	return nil
}
