package handler

import (
	"context"

	"github.com/labstack/echo/v4"

	"marketchat/internal/usecase"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

type AdminHandler struct {
	reconcilerUseCase *usecase.ReconcilerUseCase
}

func NewAdminHandler(reconcilerUseCase *usecase.ReconcilerUseCase) *AdminHandler {
	return &AdminHandler{
		reconcilerUseCase: reconcilerUseCase,
	}
}

// CleanupDuplicates merges conversations that share a participant pair and
// listing. The run keeps going if the admin disconnects.
func (h *AdminHandler) CleanupDuplicates(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())

	report, err := h.reconcilerUseCase.CleanupDuplicates(ctx)
	if err != nil {
		return response.Error(c, err)
	}

	logger.Info("CleanupDuplicates: scanned=%d groups=%d removed=%d moved=%d (by %v)",
		report.ConversationsScanned, report.DuplicateGroups, report.ConversationsRemoved, report.MessagesMoved, c.Get("uid"))

	return response.Success(c, report)
}
