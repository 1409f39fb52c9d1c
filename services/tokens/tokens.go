package tokens

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ledgerbackend/clients"
	"ledgerbackend/core"
	"ledgerbackend/metrics"
	"ledgerbackend/models"
	"ledgerbackend/services"
	"ledgerbackend/services/apierrors"
)

const (
	// RefreshThreshold is how close to expiry a token is treated as already expired
	RefreshThreshold = 60 * time.Second
	// expiries closer than this are considered unchanged
	expiryTolerance = 2 * time.Second
	// conditional writes tried per sibling when sharing a rotation
	maxShareAttempts = 3
)

// TokenSet is the credential pair used for one call
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AuthEventID  *string
}

func (t *TokenSet) sameMaterial(connection *models.AccountingConnection) bool {
	diff := t.ExpiresAt.Sub(connection.TokenExpiresAt)
	if diff < 0 {
		diff = -diff
	}
	return t.AccessToken == connection.AccessToken &&
		t.RefreshToken == connection.RefreshToken &&
		diff < expiryTolerance
}

// FromConnection returns the token set currently stored on the connection
func FromConnection(connection *models.AccountingConnection) *TokenSet {
	return &TokenSet{
		AccessToken:  connection.AccessToken,
		RefreshToken: connection.RefreshToken,
		ExpiresAt:    connection.TokenExpiresAt,
		AuthEventID:  connection.AuthEventID,
	}
}

type refreshResult struct {
	tokens     *TokenSet
	connection *models.AccountingConnection
	persistErr error
}

// Manager hands out non-expired access tokens and persists rotations under
// an optimistic lock on the connection's updated_at.
type Manager struct {
	store     services.ConnectionStore
	refresher clients.AccountingOAuthClient
	inflight  singleflight.Group
	now       func() time.Time
}

func NewManager(store services.ConnectionStore, refresher clients.AccountingOAuthClient) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		now:       time.Now,
	}
}

// WithClock replaces the time source; used by tests
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// AcquireValidToken loads the connection and returns a token with more than
// RefreshThreshold of life left, refreshing it first when needed.
func (m *Manager) AcquireValidToken(ctx context.Context, connectionID string) (*TokenSet, error) {
	maybeConnection, err := m.store.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounting connection: %w", err)
	}
	connection, ok := maybeConnection.Get()
	if !ok {
		return nil, apierrors.NotConnected(fmt.Sprintf("connection %s not found", connectionID))
	}

	return m.AcquireForConnection(ctx, connection)
}

// AcquireForConnection is AcquireValidToken for an already loaded connection.
// After a refresh connection reflects the stored row, so a later
// PersistTokenSet with the returned set is a no-op.
func (m *Manager) AcquireForConnection(ctx context.Context, connection *models.AccountingConnection) (*TokenSet, error) {
	remaining := connection.TokenExpiresAt.Sub(m.now())
	if connection.AccessToken != "" && remaining > RefreshThreshold {
		return FromConnection(connection), nil
	}

	zap.L().Info("Access token near expiry, refreshing before call",
		zap.String("connection_id", connection.ID),
		zap.Duration("remaining", remaining))

	result, err := m.refresh(ctx, connection)
	if err != nil {
		return nil, err
	}
	if result.persistErr != nil {
		zap.L().Error("Failed to persist refreshed tokens, continuing with in-memory tokens",
			zap.String("connection_id", connection.ID),
			zap.Error(result.persistErr))
	}
	return result.tokens, nil
}

// RefreshIfExpiring refreshes when the access token expires within the given
// window or the refresh token is older than maxRefreshTokenAge. Unlike the
// call path, persistence failures are returned.
func (m *Manager) RefreshIfExpiring(
	ctx context.Context,
	connection *models.AccountingConnection,
	within, maxRefreshTokenAge time.Duration,
) (bool, error) {
	now := m.now()
	expiring := connection.TokenExpiresAt.Sub(now) <= within
	aging := maxRefreshTokenAge > 0 && now.Sub(connection.RefreshTokenIssuedAt) >= maxRefreshTokenAge
	if !expiring && !aging {
		return false, nil
	}

	result, err := m.refresh(ctx, connection)
	if err != nil {
		return false, err
	}
	if result.persistErr != nil {
		return true, result.persistErr
	}
	return true, nil
}

// refresh collapses concurrent refreshes of one connection in this process
func (m *Manager) refresh(ctx context.Context, connection *models.AccountingConnection) (*refreshResult, error) {
	value, err, shared := m.inflight.Do(connection.ID, func() (any, error) {
		snapshot := *connection
		return m.refreshOnce(context.WithoutCancel(ctx), &snapshot)
	})
	if err != nil {
		return nil, err
	}

	result := value.(*refreshResult)
	if result.connection != nil {
		applyConnection(connection, result.connection)
	}
	if shared {
		zap.L().Debug("Joined in-flight token refresh", zap.String("connection_id", connection.ID))
	}

	tokens := *result.tokens
	return &refreshResult{tokens: &tokens, connection: result.connection, persistErr: result.persistErr}, nil
}

func (m *Manager) refreshOnce(ctx context.Context, connection *models.AccountingConnection) (*refreshResult, error) {
	zap.L().Info("Starting to refresh access token", zap.String("connection_id", connection.ID))

	refreshed, err := m.refresher.RefreshAccessToken(ctx, connection.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		return m.handleRefreshFailure(ctx, connection, err)
	}

	tokens := m.tokenSetFromResponse(refreshed)
	persisted, err := m.PersistTokenSet(ctx, connection, tokens)
	if err != nil {
		if parsed, ok := apierrors.AsParsedError(err); ok && parsed.Kind == models.ErrorKindRefreshConflict {
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues("refreshed").Inc()
		return &refreshResult{tokens: tokens, persistErr: err}, nil
	}

	metrics.TokenRefreshes.WithLabelValues("refreshed").Inc()
	zap.L().Info("Completed successfully - refreshed access token",
		zap.String("connection_id", connection.ID),
		zap.Time("expires_at", persisted.ExpiresAt))
	return &refreshResult{tokens: persisted, connection: connection}, nil
}

// handleRefreshFailure adopts tokens another process rotated in the meantime,
// which is the usual cause of invalid_grant on a refresh token that was just
// used elsewhere.
func (m *Manager) handleRefreshFailure(
	ctx context.Context,
	connection *models.AccountingConnection,
	refreshErr error,
) (*refreshResult, error) {
	parsed := apierrors.Classify(refreshErr)
	switch parsed.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		tokenErr := *parsed
		tokenErr.Kind = models.ErrorKindToken
		tokenErr.Message = ""
		parsed = &tokenErr
	}

	if parsed.Kind == models.ErrorKindToken {
		if winner, ok := m.rotatedElsewhere(ctx, connection); ok {
			zap.L().Info("Refresh token already rotated by another request, adopting stored tokens",
				zap.String("connection_id", connection.ID))
			applyConnection(connection, winner)
			return &refreshResult{tokens: FromConnection(winner), connection: winner}, nil
		}
	}

	zap.L().Error("Failed to refresh access token",
		zap.String("connection_id", connection.ID),
		zap.String("kind", string(parsed.Kind)),
		zap.Int("status", parsed.StatusCode),
		zap.Error(refreshErr))

	if err := m.store.UpdateConnectionError(ctx, connection.ID, parsed.ToUpdate()); err != nil {
		zap.L().Error("Failed to record token refresh error",
			zap.String("connection_id", connection.ID),
			zap.Error(err))
	}
	return nil, parsed
}

// rotatedElsewhere finds tokens that replaced the one that just failed,
// first on the connection itself and then on connections sharing its grant.
// Tokens taken from a sibling are written onto the connection.
func (m *Manager) rotatedElsewhere(
	ctx context.Context,
	connection *models.AccountingConnection,
) (*models.AccountingConnection, bool) {
	maybeStored, err := m.store.GetConnectionByID(ctx, connection.ID)
	if err != nil {
		return nil, false
	}
	stored, ok := maybeStored.Get()
	if !ok {
		return nil, false
	}
	if !stored.UpdatedAt.Equal(connection.UpdatedAt) &&
		stored.RefreshToken != connection.RefreshToken &&
		stored.HasUsableAccessToken(m.now()) {
		return stored, true
	}

	sibling, ok := m.rotatedSibling(ctx, connection)
	if !ok {
		return nil, false
	}
	updated, err := m.store.UpdateTokens(ctx, stored.ID, models.TokenUpdate{
		AccessToken:          sibling.AccessToken,
		RefreshToken:         sibling.RefreshToken,
		ExpiresAt:            sibling.TokenExpiresAt,
		AuthEventID:          sibling.AuthEventID,
		ResetRefreshIssuedAt: true,
		ExpectedUpdatedAt:    stored.UpdatedAt,
	})
	if err != nil {
		zap.L().Warn("Failed to copy rotated tokens from sibling connection",
			zap.String("connection_id", connection.ID),
			zap.String("sibling_id", sibling.ID),
			zap.Error(err))
		return nil, false
	}
	return updated, true
}

func (m *Manager) rotatedSibling(
	ctx context.Context,
	connection *models.AccountingConnection,
) (*models.AccountingConnection, bool) {
	if connection.GrantID == "" {
		return nil, false
	}

	siblings, err := m.store.ListConnectionsByGrantID(ctx, connection.GrantID)
	if err != nil {
		zap.L().Warn("Failed to list connections sharing grant",
			zap.String("connection_id", connection.ID),
			zap.Error(err))
		return nil, false
	}

	now := m.now()
	for _, sibling := range siblings {
		if sibling.ID == connection.ID || sibling.RefreshToken == connection.RefreshToken {
			continue
		}
		if sibling.HasUsableAccessToken(now) {
			return sibling, true
		}
	}
	return nil, false
}

// PersistTokenSet writes tokens if they differ from what the connection
// holds. The write only applies while the stored updated_at still equals
// connection.UpdatedAt. When another writer won, its tokens are adopted in
// place if still valid; otherwise a refresh_conflict error is returned. On
// success connection is updated to the stored row, and a rotated refresh
// token is copied onto every connection of the same grant.
func (m *Manager) PersistTokenSet(
	ctx context.Context,
	connection *models.AccountingConnection,
	tokens *TokenSet,
) (*TokenSet, error) {
	if tokens == nil || tokens.sameMaterial(connection) {
		return tokens, nil
	}

	update := models.TokenUpdate{
		AccessToken:          tokens.AccessToken,
		RefreshToken:         tokens.RefreshToken,
		ExpiresAt:            tokens.ExpiresAt,
		AuthEventID:          tokens.AuthEventID,
		ResetRefreshIssuedAt: tokens.RefreshToken != connection.RefreshToken,
		ExpectedUpdatedAt:    connection.UpdatedAt,
	}

	previousRefreshToken := connection.RefreshToken
	updated, err := m.store.UpdateTokens(ctx, connection.ID, update)
	if err == nil {
		applyConnection(connection, updated)
		if update.ResetRefreshIssuedAt {
			m.shareRotation(ctx, updated, previousRefreshToken, tokens)
		}
		return tokens, nil
	}
	if !core.IsConflictError(err) {
		return tokens, fmt.Errorf("failed to persist rotated tokens: %w", err)
	}

	maybeWinner, readErr := m.store.GetConnectionByID(ctx, connection.ID)
	if readErr != nil {
		return tokens, fmt.Errorf("failed to re-read connection after token conflict: %w", readErr)
	}
	winner, ok := maybeWinner.Get()
	if ok && winner.HasUsableAccessToken(m.now()) {
		zap.L().Info("Concurrent token write won, adopting stored tokens",
			zap.String("connection_id", connection.ID))
		metrics.TokenRefreshes.WithLabelValues("conflict_adopted").Inc()

		applyConnection(connection, winner)
		*tokens = *FromConnection(winner)
		return tokens, nil
	}

	metrics.TokenRefreshes.WithLabelValues("conflict").Inc()
	conflict := apierrors.New(models.ErrorKindRefreshConflict,
		fmt.Sprintf("token write for connection %s lost a race and the stored tokens are unusable", connection.ID))
	conflict.Cause = err
	if recordErr := m.store.UpdateConnectionError(ctx, connection.ID, conflict.ToUpdate()); recordErr != nil {
		zap.L().Error("Failed to record refresh conflict",
			zap.String("connection_id", connection.ID),
			zap.Error(recordErr))
	}
	return nil, conflict
}

// shareRotation copies a rotated token pair onto the other connections of the
// grant. Each write goes through the same optimistic lock; a sibling that no
// longer holds the previous refresh token is left alone.
func (m *Manager) shareRotation(
	ctx context.Context,
	source *models.AccountingConnection,
	previousRefreshToken string,
	tokens *TokenSet,
) {
	if source.GrantID == "" {
		return
	}

	siblings, err := m.store.ListConnectionsByGrantID(ctx, source.GrantID)
	if err != nil {
		zap.L().Error("Failed to list connections sharing grant",
			zap.String("connection_id", source.ID),
			zap.Error(err))
		return
	}

	for _, sibling := range siblings {
		if sibling.ID == source.ID {
			continue
		}
		if err := m.shareWithSibling(ctx, sibling, previousRefreshToken, tokens); err != nil {
			zap.L().Error("Failed to copy rotated tokens to sibling connection",
				zap.String("connection_id", source.ID),
				zap.String("sibling_id", sibling.ID),
				zap.Error(err))
		}
	}
}

func (m *Manager) shareWithSibling(
	ctx context.Context,
	sibling *models.AccountingConnection,
	previousRefreshToken string,
	tokens *TokenSet,
) error {
	for attempt := 0; attempt < maxShareAttempts; attempt++ {
		if sibling.RefreshToken != previousRefreshToken {
			return nil
		}

		_, err := m.store.UpdateTokens(ctx, sibling.ID, models.TokenUpdate{
			AccessToken:          tokens.AccessToken,
			RefreshToken:         tokens.RefreshToken,
			ExpiresAt:            tokens.ExpiresAt,
			AuthEventID:          tokens.AuthEventID,
			ResetRefreshIssuedAt: true,
			ExpectedUpdatedAt:    sibling.UpdatedAt,
		})
		if err == nil {
			metrics.TokenRefreshes.WithLabelValues("shared").Inc()
			zap.L().Debug("Copied rotated tokens to sibling connection", zap.String("sibling_id", sibling.ID))
			return nil
		}
		if !core.IsConflictError(err) {
			return err
		}

		maybeSibling, err := m.store.GetConnectionByID(ctx, sibling.ID)
		if err != nil {
			return err
		}
		reloaded, ok := maybeSibling.Get()
		if !ok {
			return nil
		}
		sibling = reloaded
	}
	return fmt.Errorf("sibling connection %s kept moving: %w", sibling.ID, core.ErrConflict)
}

func applyConnection(dst, src *models.AccountingConnection) {
	dst.AccessToken = src.AccessToken
	dst.RefreshToken = src.RefreshToken
	dst.TokenExpiresAt = src.TokenExpiresAt
	dst.AuthEventID = src.AuthEventID
	dst.GrantID = src.GrantID
	dst.RefreshTokenIssuedAt = src.RefreshTokenIssuedAt
	dst.UpdatedAt = src.UpdatedAt
}
