package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/websocket"
)

// WSHandler handles the per-agent WebSocket upgrade endpoint
// GET /api/agents/{id}/ws. Authentication uses a JWT passed as the `token`
// query parameter instead of the Authorization header — browsers cannot set
// custom headers on WebSocket connections opened via the native WebSocket
// API.
//
// Each connection subscribes to exactly one topic, "agent:<id>", carrying
// the log lines, metric samples, and status transitions the supervisor
// publishes for that agent (§5.6).
//
// Example connection URL:
//
//	ws://host/api/agents/<uuid>/ws?token=<jwt>
type WSHandler struct {
	hub    *websocket.Hub
	jwtMgr *auth.JWTManager
	ctl    *controller.Controller
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, jwtMgr *auth.JWTManager, ctl *controller.Controller, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jwtMgr: jwtMgr,
		ctl:    ctl,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/agents/{id}/ws. It authenticates the request,
// verifies the caller can see the agent, upgrades the connection, and starts
// the client read/write pumps. The handler blocks until the connection
// closes — this is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	// JWT is passed as a query parameter because the browser WebSocket API
	// does not support custom headers. The token has the same short TTL as
	// Bearer tokens — clients must reconnect with a fresh token after expiry.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	principal := controller.Principal{Role: claims.Role}
	if uid, perr := parseUUIDString(claims.UserID); perr == nil {
		principal.UserID = uid
	}

	if _, err := h.ctl.Get(r.Context(), principal, id); err != nil {
		if errors.Is(err, controller.ErrForbidden) {
			ErrForbidden(w)
			return
		}
		ErrNotFound(w)
		return
	}

	topics := []string{"agent:" + id.String()}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade failure is already logged by the websocket library; the
		// response has already been written by the upgrader on error.
		h.logger.Warn("ws: upgrade failed",
			zap.String("agent_id", id.String()),
			zap.String("user_id", claims.UserID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("agent_id", id.String()),
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("agent_id", id.String()),
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}
