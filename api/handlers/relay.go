// Package handlers provides HTTP API request handlers for the relay daemon.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/app-builder/realtime/internal/history"
	"github.com/app-builder/realtime/internal/model"
	"github.com/app-builder/realtime/internal/relay"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// RelayHandler exposes the WebSocket relay and session status endpoints.
type RelayHandler struct {
	relay *relay.Relay
	store *history.Store // optional
}

// NewRelayHandler creates a new RelayHandler. The store may be nil, in which
// case the status endpoint omits persisted history details.
func NewRelayHandler(r *relay.Relay, store *history.Store) *RelayHandler {
	return &RelayHandler{
		relay: r,
		store: store,
	}
}

// Attach handles GET /ws/:id and GET /ws - relays a client WebSocket to the
// agent. The session id arrives either in the path or as the session_id
// query parameter; the client transport only speaks the query form.
func (h *RelayHandler) Attach(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sessionID = c.Query("session_id")
	}
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return
	}

	if err := h.relay.HandleConnection(c.Writer, c.Request, sessionID); err != nil {
		// Error response already written by the relay.
		return
	}
}

// Status handles GET /sessions/:id/status - reports connection and history
// state for a session.
func (h *RelayHandler) Status(c *gin.Context) {
	sessionID := c.Param("id")

	resp := gin.H{
		"session_id": sessionID,
		"connected":  h.relay.ActiveConnections(sessionID) > 0,
	}

	if h.store != nil {
		sess, err := h.store.GetSession(c.Request.Context(), sessionID)
		if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load session: "+err.Error())
			return
		}
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		count, err := h.store.MessageCount(c.Request.Context(), sessionID)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count history: "+err.Error())
			return
		}
		resp["status"] = sess.Status
		resp["sandbox_url"] = sess.SandboxURL
		resp["history_length"] = count
	}

	c.JSON(http.StatusOK, resp)
}

// History handles GET /sessions/:id/history - returns persisted conversation rows.
func (h *RelayHandler) History(c *gin.Context) {
	if h.store == nil {
		sendError(c, http.StatusNotImplemented, "NO_STORE", "History persistence is not configured")
		return
	}

	sessionID := c.Param("id")
	entries, err := h.store.Messages(c.Request.Context(), sessionID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load history: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   entries,
	})
}

// RegisterRoutes registers the relay routes on a Gin router group.
func (h *RelayHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Attach)
	rg.GET("/ws/:id", h.Attach)
	rg.GET("/sessions/:id/status", h.Status)
	rg.GET("/sessions/:id/history", h.History)
}
