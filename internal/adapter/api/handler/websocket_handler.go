package handler

import (
	"net/http"
	"strings"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/domain/service"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

type WebSocketHandler struct {
	wsManager *ws.Manager
	resolver  service.SessionResolver
	upgrader  gorillaws.Upgrader
}

func NewWebSocketHandler(wsManager *ws.Manager, resolver service.SessionResolver, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		wsManager: wsManager,
		resolver:  resolver,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker allows every origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket resolves the caller before upgrading, so a rejected
// credential gets a plain 401 and no connection is ever registered for it.
func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	credential := c.QueryParam("token")
	if credential == "" {
		credential, _ = middleware.BearerToken(c.Request().Header.Get("Authorization"))
	}
	if credential == "" {
		return response.Error(c, errors.Unauthenticated("Authentication required", nil))
	}

	identity, err := h.resolver.ResolveUser(c.Request().Context(), credential)
	if err != nil {
		logger.Warn("WebSocket rejected: %v", err)
		return response.Error(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		logger.Error("WebSocket upgrade failed for user %s: %v", identity.UserID, err)
		return nil
	}

	h.wsManager.Serve(c.Request().Context(), conn, identity)
	return nil
}
