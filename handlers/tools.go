package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ledgerbackend/appctx"
	"ledgerbackend/middleware"
	"ledgerbackend/services/tools"
)

const maxArgsBytes = 1 << 20

type ToolsHandler struct {
	dispatcher ToolDispatcher
}

func NewToolsHandler(dispatcher ToolDispatcher) *ToolsHandler {
	return &ToolsHandler{dispatcher: dispatcher}
}

type listToolsResponse struct {
	Tools []tools.Operation `json:"tools"`
}

func (h *ToolsHandler) HandleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, listToolsResponse{Tools: h.dispatcher.Operations()})
}

// HandleInvokeTool answers 200 for every classified outcome; failures are
// carried inside the tool result.
func (h *ToolsHandler) HandleInvokeTool(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.GetUserID(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	operation := mux.Vars(r)["operation"]
	args := map[string]any{}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxArgsBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		zap.L().Warn("Failed to parse tool arguments", zap.String("operation", operation), zap.Error(err))
		writeJSONError(w, http.StatusBadRequest, "tool arguments must be a JSON object")
		return
	}

	result := h.dispatcher.Dispatch(r.Context(), userID, operation, args)
	writeJSONResponse(w, http.StatusOK, result)
}

func (h *ToolsHandler) SetupEndpoints(router *mux.Router, identity *middleware.IdentityMiddleware) {
	router.HandleFunc("/api/tools", identity.WithIdentity(h.HandleListTools)).Methods("GET")
	router.HandleFunc("/api/tools/{operation}", identity.WithIdentity(h.HandleInvokeTool)).Methods("POST")
	zap.L().Info("Tool endpoints registered")
}
