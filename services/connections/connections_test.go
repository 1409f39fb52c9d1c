package connections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ledgerbackend/clients"
	"ledgerbackend/clients/accounting"
	"ledgerbackend/core"
	"ledgerbackend/services/tokens"
	"ledgerbackend/services/txmanager"
	"ledgerbackend/testutils"
)

func setupService(t *testing.T) (*ConnectionsService, *accounting.MockAccountingClient, *testutils.InMemoryConnectionStore) {
	t.Helper()

	store := testutils.NewInMemoryConnectionStore()
	client := accounting.NewMockAccountingClient()
	txManager := &txmanager.MockTransactionManager{}
	txManager.On("WithTransaction", mock.Anything, mock.Anything).Return(nil)

	return NewConnectionsService(store, client, txManager), client, store
}

func TestConnectionsService_CompleteOAuthHandshake(t *testing.T) {
	ctx := context.Background()

	t.Run("creates one connection per tenant and activates the first", func(t *testing.T) {
		service, client, store := setupService(t)
		client.WithTokenExchangeResponse(accounting.CreateTestTokens()).WithTenantsResponse([]clients.AccountingTenant{
			{TenantID: "tenant-a", TenantName: "Org A"},
			{TenantID: "tenant-b", TenantName: "Org B"},
		})

		connections, err := service.CompleteOAuthHandshake(ctx, "user-1", "auth-code")
		require.NoError(t, err)
		require.Len(t, connections, 2)
		assert.True(t, core.IsValidULID(connections[0].ID))
		assert.True(t, connections[0].IsActive)
		assert.False(t, connections[1].IsActive)

		active, err := store.GetActiveConnectionByUserID(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "tenant-a", active.MustGet().TenantID)
		client.AssertCalled(t, "GetTenants", mock.Anything, "test-access-token-123")
	})

	t.Run("tenants of one handshake share a grant and its rotations", func(t *testing.T) {
		service, client, store := setupService(t)
		client.WithTokenExchangeResponse(accounting.CreateTestTokens()).WithTenantsResponse([]clients.AccountingTenant{
			{TenantID: "tenant-a", TenantName: "Org A"},
			{TenantID: "tenant-b", TenantName: "Org B"},
		})

		connections, err := service.CompleteOAuthHandshake(ctx, "user-1", "auth-code")
		require.NoError(t, err)
		require.Len(t, connections, 2)
		require.NotEmpty(t, connections[0].GrantID)
		assert.Equal(t, connections[0].GrantID, connections[1].GrantID)

		refreshed := accounting.CreateRefreshedTestTokens()
		client.WithRefreshTokenResponse(refreshed)
		manager := tokens.NewManager(store, client)

		didRefresh, err := manager.RefreshIfExpiring(ctx, store.Snapshot(connections[0].ID), time.Hour, 0)
		require.NoError(t, err)
		require.True(t, didRefresh)

		sibling := store.Snapshot(connections[1].ID)
		assert.Equal(t, refreshed.RefreshToken, sibling.RefreshToken)
		assert.Equal(t, refreshed.AccessToken, sibling.AccessToken)
		client.AssertNumberOfCalls(t, "RefreshAccessToken", 1)
	})

	t.Run("missing expiry falls back to the token lifetime default", func(t *testing.T) {
		service, client, store := setupService(t)
		client.WithTokenExchangeResponse(&clients.AccountingTokens{AccessToken: "opaque-access", RefreshToken: "opaque-refresh"}).
			WithTenantsResponse([]clients.AccountingTenant{{TenantID: "tenant-a", TenantName: "Org A"}})

		connections, err := service.CompleteOAuthHandshake(ctx, "user-1", "auth-code")
		require.NoError(t, err)
		require.Len(t, connections, 1)
		assert.WithinDuration(t, time.Now().Add(tokens.FallbackTokenLifetime), store.Snapshot(connections[0].ID).TokenExpiresAt, 5*time.Second)
	})

	t.Run("reconnecting replaces tokens of an existing tenant", func(t *testing.T) {
		service, client, store := setupService(t)
		existing := testutils.NewTestConnection("user-1", -time.Hour)
		existing.TenantID = "tenant-a"
		store.Put(existing)

		client.WithTokenExchangeResponse(accounting.CreateTestTokens()).WithTenantsResponse([]clients.AccountingTenant{
			{TenantID: "tenant-a", TenantName: "Org A"},
		})

		connections, err := service.CompleteOAuthHandshake(ctx, "user-1", "auth-code")
		require.NoError(t, err)
		require.Len(t, connections, 1)
		assert.Equal(t, existing.ID, connections[0].ID)
		stored := store.Snapshot(existing.ID)
		assert.Equal(t, "test-access-token-123", stored.AccessToken)
		assert.NotEmpty(t, stored.GrantID, "reconnect moves the row onto the new grant")
	})

	t.Run("exchange failure is returned", func(t *testing.T) {
		service, client, _ := setupService(t)
		client.On("ExchangeCodeForTokens", mock.Anything, "bad-code").Return(nil, errors.New("invalid_grant"))

		_, err := service.CompleteOAuthHandshake(ctx, "user-1", "bad-code")
		assert.Error(t, err)
	})

	t.Run("validates input", func(t *testing.T) {
		service, _, _ := setupService(t)

		_, err := service.CompleteOAuthHandshake(ctx, "", "code")
		assert.Error(t, err)
		_, err = service.CompleteOAuthHandshake(ctx, "user-1", " ")
		assert.Error(t, err)
	})
}

func TestConnectionsService_ActivateConnection(t *testing.T) {
	ctx := context.Background()
	service, _, store := setupService(t)

	first := testutils.NewTestConnection("user-1", time.Hour)
	second := testutils.NewTestConnection("user-1", time.Hour)
	second.IsActive = false
	store.Put(first)
	store.Put(second)

	require.NoError(t, service.ActivateConnection(ctx, "user-1", second.ID))
	assert.False(t, store.Snapshot(first.ID).IsActive)
	assert.True(t, store.Snapshot(second.ID).IsActive)

	assert.Error(t, service.ActivateConnection(ctx, "user-1", "not-a-ulid"))
	assert.Error(t, service.ActivateConnection(ctx, "user-2", first.ID))
}

func TestConnectionsService_DisconnectConnection(t *testing.T) {
	ctx := context.Background()
	service, _, store := setupService(t)

	connection := testutils.NewTestConnection("user-1", time.Hour)
	store.Put(connection)

	assert.Error(t, service.DisconnectConnection(ctx, "user-2", connection.ID))
	require.NoError(t, service.DisconnectConnection(ctx, "user-1", connection.ID))
	assert.Nil(t, store.Snapshot(connection.ID))

	connections, err := service.ListConnections(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, connections)
}
