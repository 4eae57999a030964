package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
)

func SetupConversationRouter(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, rateLimit *middleware.RateLimitMiddleware) {
	conversationHandler := handler.GetConversationHandler()

	v1 := e.Group("/v1")
	if rateLimit != nil {
		v1.Use(rateLimit.PerIP)
	}
	v1.Use(authMiddleware.Authenticate)

	v1.POST("/listings/:listingId/conversation", conversationHandler.FindOrCreateForListing)

	conversations := v1.Group("/conversations")
	conversations.POST("", conversationHandler.CreateConversation)
	conversations.GET("", conversationHandler.ListConversations)
	conversations.GET("/stats", conversationHandler.GetStats)
	conversations.GET("/:id", conversationHandler.GetConversation)
	conversations.PATCH("/:id", conversationHandler.UpdateConversation)
	conversations.DELETE("/:id", conversationHandler.DeleteConversation)

	conversations.GET("/:id/messages", conversationHandler.GetMessages)
	conversations.POST("/:id/messages", conversationHandler.SendMessage)
	conversations.PUT("/:id/read", conversationHandler.MarkRead)
}
