package accounting

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"ledgerbackend/clients"
)

// MockAccountingClient is a mock implementation of clients.AccountingClient
type MockAccountingClient struct {
	mock.Mock
}

func NewMockAccountingClient() *MockAccountingClient {
	return &MockAccountingClient{}
}

func (m *MockAccountingClient) ExchangeCodeForTokens(ctx context.Context, code string) (*clients.AccountingTokens, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*clients.AccountingTokens), args.Error(1)
}

func (m *MockAccountingClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*clients.AccountingTokens, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*clients.AccountingTokens), args.Error(1)
}

func (m *MockAccountingClient) GetTenants(ctx context.Context, accessToken string) ([]clients.AccountingTenant, error) {
	args := m.Called(ctx, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]clients.AccountingTenant), args.Error(1)
}

func (m *MockAccountingClient) Do(ctx context.Context, req *clients.Request) (*clients.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*clients.Response), args.Error(1)
}

// WithTokenExchangeResponse configures mock to return specific tokens on ExchangeCodeForTokens
func (m *MockAccountingClient) WithTokenExchangeResponse(tokens *clients.AccountingTokens) *MockAccountingClient {
	m.On("ExchangeCodeForTokens", mock.Anything, mock.Anything).Return(tokens, nil)
	return m
}

// WithRefreshTokenResponse configures mock to return specific tokens on RefreshAccessToken
func (m *MockAccountingClient) WithRefreshTokenResponse(tokens *clients.AccountingTokens) *MockAccountingClient {
	m.On("RefreshAccessToken", mock.Anything, mock.Anything).Return(tokens, nil)
	return m
}

// WithTenantsResponse configures mock to return specific tenants on GetTenants
func (m *MockAccountingClient) WithTenantsResponse(tenants []clients.AccountingTenant) *MockAccountingClient {
	m.On("GetTenants", mock.Anything, mock.Anything).Return(tenants, nil)
	return m
}

// CreateTestTokens creates sample AccountingTokens for testing
func CreateTestTokens() *clients.AccountingTokens {
	return &clients.AccountingTokens{
		AccessToken:  "test-access-token-123",
		RefreshToken: "test-refresh-token-456",
		ExpiresAt:    time.Now().Add(30 * time.Minute),
	}
}

// CreateRefreshedTestTokens creates rotated sample AccountingTokens for refresh scenarios
func CreateRefreshedTestTokens() *clients.AccountingTokens {
	return &clients.AccountingTokens{
		AccessToken:  "refreshed-access-token-789",
		RefreshToken: "refreshed-refresh-token-abc",
		ExpiresAt:    time.Now().Add(30 * time.Minute),
	}
}
