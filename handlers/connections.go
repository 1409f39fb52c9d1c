package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ledgerbackend/appctx"
	"ledgerbackend/core"
	"ledgerbackend/middleware"
	"ledgerbackend/models"
)

type ConnectionsHandler struct {
	service    ConnectionsService
	forgetters []ConnectionStateForgetter
}

func NewConnectionsHandler(service ConnectionsService, forgetters ...ConnectionStateForgetter) *ConnectionsHandler {
	return &ConnectionsHandler{service: service, forgetters: forgetters}
}

type OAuthCallbackRequest struct {
	Code string `json:"code"`
}

type connectionsResponse struct {
	Connections []*models.AccountingConnection `json:"connections"`
}

func (h *ConnectionsHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.GetUserID(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req OAuthCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "authorization code is required")
		return
	}

	connections, err := h.service.CompleteOAuthHandshake(r.Context(), userID, req.Code)
	if err != nil {
		zap.L().Error("Failed to complete OAuth handshake", zap.String("user_id", userID), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "failed to connect accounting organisation")
		return
	}

	writeJSONResponse(w, http.StatusCreated, connectionsResponse{Connections: connections})
}

func (h *ConnectionsHandler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.GetUserID(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	connections, err := h.service.ListConnections(r.Context(), userID)
	if err != nil {
		zap.L().Error("Failed to list connections", zap.String("user_id", userID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}

	writeJSONResponse(w, http.StatusOK, connectionsResponse{Connections: connections})
}

func (h *ConnectionsHandler) HandleActivateConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.GetUserID(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := mux.Vars(r)["id"]
	if !core.IsValidULID(id) {
		writeJSONError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	if err := h.service.ActivateConnection(r.Context(), userID, id); err != nil {
		h.writeServiceError(w, err, "failed to activate connection")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectionsHandler) HandleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.GetUserID(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := mux.Vars(r)["id"]
	if !core.IsValidULID(id) {
		writeJSONError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	if err := h.service.DisconnectConnection(r.Context(), userID, id); err != nil {
		h.writeServiceError(w, err, "failed to disconnect connection")
		return
	}
	for _, forgetter := range h.forgetters {
		forgetter.Forget(id)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectionsHandler) writeServiceError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, core.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "connection not found")
		return
	}
	zap.L().Error(message, zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, message)
}

func (h *ConnectionsHandler) SetupEndpoints(router *mux.Router, identity *middleware.IdentityMiddleware) {
	router.HandleFunc("/api/connections", identity.WithIdentity(h.HandleListConnections)).Methods("GET")
	router.HandleFunc("/api/connections/oauth/callback", identity.WithIdentity(h.HandleOAuthCallback)).Methods("POST")
	router.HandleFunc("/api/connections/{id}/activate", identity.WithIdentity(h.HandleActivateConnection)).Methods("POST")
	router.HandleFunc("/api/connections/{id}", identity.WithIdentity(h.HandleDeleteConnection)).Methods("DELETE")
	zap.L().Info("Connection endpoints registered")
}
