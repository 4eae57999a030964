package handler

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/domain/entity"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
	"marketchat/pkg/response"
	"marketchat/pkg/utils"
)

type ConversationHandler struct {
	conversationUseCase *usecase.ConversationUseCase
	messagePageSize     int
}

func NewConversationHandler(conversationUseCase *usecase.ConversationUseCase, messagePageSize int) *ConversationHandler {
	if messagePageSize <= 0 {
		messagePageSize = 50
	}
	return &ConversationHandler{
		conversationUseCase: conversationUseCase,
		messagePageSize:     messagePageSize,
	}
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1"`
	ListingID      string   `json:"listing_id"`
	Subject        string   `json:"subject" validate:"max=200"`
	Type           string   `json:"type" validate:"omitempty,oneof=direct listing support"`
}

type sendMessageRequest struct {
	Content     string              `json:"content" validate:"max=4000"`
	Type        string              `json:"type" validate:"omitempty,oneof=text image file listing"`
	Attachments []entity.Attachment `json:"attachments,omitempty" validate:"omitempty,max=10,dive"`
	ReplyToID   string              `json:"reply_to_id,omitempty"`
	ListingID   string              `json:"listing_id,omitempty"`
}

type updateConversationRequest struct {
	Subject  *string                `json:"subject,omitempty" validate:"omitempty,max=200"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func identity(c echo.Context) (*entity.Identity, error) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return nil, errors.Unauthenticated("Authentication required", nil)
	}
	return id, nil
}

// CreateConversation returns 201 for a new conversation and 200 when an
// existing one for the same participants and listing was reused.
func (h *ConversationHandler) CreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	actor, err := identity(c)
	if err != nil {
		return response.Error(c, err)
	}

	conversation, created, err := h.conversationUseCase.CreateConversation(c.Request().Context(), actor, usecase.CreateConversationInput{
		ParticipantIDs: req.ParticipantIDs,
		ListingID:      req.ListingID,
		Subject:        req.Subject,
		Type:           req.Type,
	})
	if err != nil {
		return response.Error(c, err)
	}

	if created {
		return response.Created(c, conversation)
	}
	return response.Success(c, conversation)
}

func (h *ConversationHandler) FindOrCreateForListing(c echo.Context) error {
	listingID := c.Param("listingId")

	buyer, err := identity(c)
	if err != nil {
		return response.Error(c, err)
	}

	conversation, created, err := h.conversationUseCase.FindOrCreateForListing(c.Request().Context(), buyer, listingID)
	if err != nil {
		return response.Error(c, err)
	}

	if created {
		return response.Created(c, conversation)
	}
	return response.Success(c, conversation)
}

func (h *ConversationHandler) ListConversations(c echo.Context) error {
	userID := c.Get(middleware.ContextUID).(string)
	pagination := utils.GetPaginationParams(c, 20)

	unreadOnly, _ := strconv.ParseBool(c.QueryParam("unread_only"))

	conversations, total, err := h.conversationUseCase.ListConversations(c.Request().Context(), userID, usecase.ListConversationsInput{
		Search:     c.QueryParam("search"),
		ListingID:  c.QueryParam("listing_id"),
		UnreadOnly: unreadOnly,
		Limit:      pagination.Limit,
		Offset:     pagination.Offset,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.SuccessPaginated(c, conversations, total, pagination.Limit, pagination.Offset)
}

func (h *ConversationHandler) GetStats(c echo.Context) error {
	userID := c.Get(middleware.ContextUID).(string)

	stats, err := h.conversationUseCase.Stats(c.Request().Context(), userID)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, stats)
}

func (h *ConversationHandler) GetConversation(c echo.Context) error {
	conversationID := c.Param("id")
	userID := c.Get(middleware.ContextUID).(string)

	conversation, err := h.conversationUseCase.GetConversation(c.Request().Context(), conversationID, userID)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, conversation)
}

func (h *ConversationHandler) UpdateConversation(c echo.Context) error {
	conversationID := c.Param("id")

	var req updateConversationRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	userID := c.Get(middleware.ContextUID).(string)

	conversation, err := h.conversationUseCase.UpdateConversation(c.Request().Context(), conversationID, userID, usecase.ConversationPatch{
		Subject:  req.Subject,
		Metadata: req.Metadata,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, conversation)
}

func (h *ConversationHandler) DeleteConversation(c echo.Context) error {
	conversationID := c.Param("id")
	userID := c.Get(middleware.ContextUID).(string)

	if err := h.conversationUseCase.SoftDelete(c.Request().Context(), conversationID, userID); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{
		"message": "Conversation deleted successfully",
	})
}

func (h *ConversationHandler) GetMessages(c echo.Context) error {
	conversationID := c.Param("id")
	userID := c.Get(middleware.ContextUID).(string)
	pagination := utils.GetPaginationParams(c, h.messagePageSize)

	messages, total, err := h.conversationUseCase.GetMessages(c.Request().Context(), conversationID, userID, pagination.Limit, pagination.Offset)
	if err != nil {
		return response.Error(c, err)
	}

	return response.SuccessPaginated(c, messages, total, pagination.Limit, pagination.Offset)
}

func (h *ConversationHandler) SendMessage(c echo.Context) error {
	conversationID := c.Param("id")

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	sender, err := identity(c)
	if err != nil {
		return response.Error(c, err)
	}

	message, err := h.conversationUseCase.SendMessage(c.Request().Context(), sender, usecase.SendMessageInput{
		ConversationID: conversationID,
		Content:        req.Content,
		Type:           req.Type,
		Attachments:    req.Attachments,
		ReplyToID:      req.ReplyToID,
		ListingID:      req.ListingID,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, message)
}

// MarkRead marks the listed messages read, or every unread message when the
// body is empty.
func (h *ConversationHandler) MarkRead(c echo.Context) error {
	conversationID := c.Param("id")

	var req markReadRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return response.Error(c, err)
		}
	}

	userID := c.Get(middleware.ContextUID).(string)

	result, err := h.conversationUseCase.MarkRead(c.Request().Context(), conversationID, userID, req.MessageIDs)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, result)
}
