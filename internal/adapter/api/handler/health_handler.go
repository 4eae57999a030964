package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	ws "marketchat/internal/infrastructure/websocket"
)

type HealthHandler struct {
	registry *ws.Registry
	storage  string
}

func NewHealthHandler(registry *ws.Registry, storage string) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		storage:  storage,
	}
}

func (h *HealthHandler) CheckHealth(c echo.Context) error {
	body := map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().Format(time.RFC3339),
		"storage": h.storage,
	}
	if h.registry != nil {
		body["connections"] = h.registry.Count()
	}
	return c.JSON(http.StatusOK, body)
}
