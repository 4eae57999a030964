package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
)

func Setup(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, adminMiddleware *middleware.AdminMiddleware, rateLimit *middleware.RateLimitMiddleware) {
	SetupHealthRouter(e)
	SetupWebSocketRouter(e)
	SetupConversationRouter(e, authMiddleware, rateLimit)
	SetupAdminRouter(e, authMiddleware, adminMiddleware)
}
