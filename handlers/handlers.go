package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"ledgerbackend/models"
	"ledgerbackend/services/tools"
)

// ToolDispatcher runs named accounting operations for a user
type ToolDispatcher interface {
	Dispatch(ctx context.Context, userID, operationName string, args map[string]any) models.ToolCallResult
	Operations() []tools.Operation
}

// ConnectionsService manages a user's accounting connections
type ConnectionsService interface {
	CompleteOAuthHandshake(ctx context.Context, userID, code string) ([]*models.AccountingConnection, error)
	ActivateConnection(ctx context.Context, userID, id string) error
	ListConnections(ctx context.Context, userID string) ([]*models.AccountingConnection, error)
	DisconnectConnection(ctx context.Context, userID, id string) error
}

// ConnectionStateForgetter drops process-local state kept for a removed connection
type ConnectionStateForgetter interface {
	Forget(connectionID string)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Error("Failed to encode JSON response", zap.Error(err))
	}
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, errorResponse{Error: message})
}
