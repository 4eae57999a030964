package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
)

// SetupWebSocketRouter registers /ws without the auth middleware; the handler
// accepts the credential as ?token= as well as a Bearer header.
func SetupWebSocketRouter(e *echo.Echo) {
	wsHandler := handler.GetWebSocketHandler()
	e.GET("/ws", wsHandler.HandleWebSocket)
}
