package handler

import (
	"marketchat/internal/domain/service"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
)

var (
	conversationHandler *ConversationHandler
	websocketHandler    *WebSocketHandler
	healthHandler       *HealthHandler
	adminHandler        *AdminHandler
)

type Options struct {
	MessagePageSize int
	AllowedOrigins  []string
	StorageDriver   string
}

func Setup(
	conversationUseCase *usecase.ConversationUseCase,
	reconcilerUseCase *usecase.ReconcilerUseCase,
	wsManager *ws.Manager,
	resolver service.SessionResolver,
	opts Options,
) {
	conversationHandler = NewConversationHandler(conversationUseCase, opts.MessagePageSize)
	websocketHandler = NewWebSocketHandler(wsManager, resolver, opts.AllowedOrigins)
	healthHandler = NewHealthHandler(wsManager.Registry(), opts.StorageDriver)
	adminHandler = NewAdminHandler(reconcilerUseCase)
}

func GetConversationHandler() *ConversationHandler {
	return conversationHandler
}

func GetWebSocketHandler() *WebSocketHandler {
	return websocketHandler
}

func GetHealthHandler() *HealthHandler {
	return healthHandler
}

func GetAdminHandler() *AdminHandler {
	return adminHandler
}
