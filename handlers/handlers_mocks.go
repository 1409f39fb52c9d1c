package handlers

import (
	"context"

	"github.com/stretchr/testify/mock"

	"ledgerbackend/models"
	"ledgerbackend/services/tools"
)

// MockToolDispatcher implements ToolDispatcher for testing
type MockToolDispatcher struct {
	mock.Mock
}

func (m *MockToolDispatcher) Dispatch(
	ctx context.Context,
	userID, operationName string,
	args map[string]any,
) models.ToolCallResult {
	callArgs := m.Called(ctx, userID, operationName, args)
	return callArgs.Get(0).(models.ToolCallResult)
}

func (m *MockToolDispatcher) Operations() []tools.Operation {
	args := m.Called()
	return args.Get(0).([]tools.Operation)
}

// MockConnectionsService implements ConnectionsService for testing
type MockConnectionsService struct {
	mock.Mock
}

func (m *MockConnectionsService) CompleteOAuthHandshake(
	ctx context.Context,
	userID, code string,
) ([]*models.AccountingConnection, error) {
	args := m.Called(ctx, userID, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AccountingConnection), args.Error(1)
}

func (m *MockConnectionsService) ActivateConnection(ctx context.Context, userID, id string) error {
	args := m.Called(ctx, userID, id)
	return args.Error(0)
}

func (m *MockConnectionsService) ListConnections(ctx context.Context, userID string) ([]*models.AccountingConnection, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AccountingConnection), args.Error(1)
}

func (m *MockConnectionsService) DisconnectConnection(ctx context.Context, userID, id string) error {
	args := m.Called(ctx, userID, id)
	return args.Error(0)
}

// MockConnectionStateForgetter implements ConnectionStateForgetter for testing
type MockConnectionStateForgetter struct {
	mock.Mock
}

func (m *MockConnectionStateForgetter) Forget(connectionID string) {
	m.Called(connectionID)
}
