package usecase

import (
	"context"
	"strings"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/utils"
)

type ConversationUseCase struct {
	repo       repository.ConversationRepository
	listings   repository.ListingRepository
	reconciler *ReconcilerUseCase
	unread     *UnreadUseCase
	typing     TypingTracker
	notifier   Notifier
	limiter    RateLimiter
}

func NewConversationUseCase(
	repo repository.ConversationRepository,
	listings repository.ListingRepository,
	reconciler *ReconcilerUseCase,
	unread *UnreadUseCase,
	typing TypingTracker,
	notifier Notifier,
	limiter RateLimiter,
) *ConversationUseCase {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if limiter == nil {
		limiter = unlimited{}
	}
	return &ConversationUseCase{
		repo:       repo,
		listings:   listings,
		reconciler: reconciler,
		unread:     unread,
		typing:     typing,
		notifier:   notifier,
		limiter:    limiter,
	}
}

type ListConversationsInput struct {
	Search     string
	ListingID  string
	UnreadOnly bool
	Limit      int
	Offset     int
}

type SendMessageInput struct {
	ConversationID string
	Content        string
	Type           string
	Attachments    []entity.Attachment
	ReplyToID      string
	ListingID      string
}

type ConversationPatch struct {
	Subject  *string
	Metadata map[string]interface{}
}

type MarkReadResult struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	UnreadCount    int      `json:"unread_count"`
}

type ConversationStats struct {
	TotalConversations  int `json:"total_conversations"`
	UnreadConversations int `json:"unread_conversations"`
	UnreadMessages      int `json:"unread_messages"`
}

type ConversationStatus struct {
	ConversationID string   `json:"conversation_id"`
	Exists         bool     `json:"exists"`
	IsActive       bool     `json:"is_active"`
	IsParticipant  bool     `json:"is_participant"`
	ParticipantIDs []string `json:"participant_ids,omitempty"`
	UnreadCount    int      `json:"unread_count"`
}

func (uc *ConversationUseCase) CreateConversation(ctx context.Context, actor *entity.Identity, input CreateConversationInput) (*entity.Conversation, bool, error) {
	allowed, wait := uc.limiter.Allow(actor.UserID, ratelimit.ActionCreateConversation)
	if !allowed {
		logger.Warn("CreateConversation Rate Limited: user %s must wait %v", actor.UserID, wait)
		return nil, false, errors.TooManyRequests("Rate limit exceeded. Please wait before starting another conversation")
	}

	conversation, created, err := uc.reconciler.CreateConversation(ctx, actor, input)
	if err != nil {
		return nil, false, err
	}
	if err := uc.decorate(ctx, conversation, actor.UserID); err != nil {
		return nil, false, err
	}
	return conversation, created, nil
}

// FindOrCreateForListing opens the buyer's conversation about a listing.
func (uc *ConversationUseCase) FindOrCreateForListing(ctx context.Context, buyer *entity.Identity, listingID string) (*entity.Conversation, bool, error) {
	conversation, created, err := uc.reconciler.FindOrCreateConversation(ctx, listingID, buyer)
	if err != nil {
		return nil, false, err
	}
	if err := uc.decorate(ctx, conversation, buyer.UserID); err != nil {
		return nil, false, err
	}
	return conversation, created, nil
}

func (uc *ConversationUseCase) GetConversation(ctx context.Context, conversationID, requesterID string) (*entity.Conversation, error) {
	var conversation *entity.Conversation
	err := withReadRetry(ctx, func() error {
		c, _, err := uc.requireParticipant(ctx, conversationID, requesterID)
		conversation = c
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := uc.decorate(ctx, conversation, requesterID); err != nil {
		return nil, err
	}
	return conversation, nil
}

// ListConversations returns the user's active conversations, newest activity
// first, with UnreadCount set for that user.
func (uc *ConversationUseCase) ListConversations(ctx context.Context, userID string, input ListConversationsInput) ([]*entity.Conversation, int64, error) {
	var all []*entity.Conversation
	err := withReadRetry(ctx, func() error {
		var err error
		all, err = uc.repo.ListByUserID(ctx, userID, repository.ConversationFilter{ListingID: input.ListingID})
		return err
	})
	if err != nil {
		logger.Error("ListConversations Error: user %s: %v", userID, err)
		return nil, 0, err
	}

	search := strings.ToLower(strings.TrimSpace(input.Search))
	matched := make([]*entity.Conversation, 0, len(all))
	for _, c := range all {
		if err := uc.decorate(ctx, c, userID); err != nil {
			logger.Warn("ListConversations: skipping %s: %v", c.ID, err)
			continue
		}
		if input.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		if search != "" && !matchesSearch(c, userID, search) {
			continue
		}
		matched = append(matched, c)
	}

	start, end := utils.Window(len(matched), input.Limit, input.Offset)
	return matched[start:end], int64(len(matched)), nil
}

func (uc *ConversationUseCase) Stats(ctx context.Context, userID string) (*ConversationStats, error) {
	conversations, _, err := uc.ListConversations(ctx, userID, ListConversationsInput{})
	if err != nil {
		return nil, err
	}

	stats := &ConversationStats{TotalConversations: len(conversations)}
	for _, c := range conversations {
		if c.UnreadCount > 0 {
			stats.UnreadConversations++
			stats.UnreadMessages += c.UnreadCount
		}
	}
	return stats, nil
}

// SendMessage persists a message, moves the conversation's last-message pointer,
// bumps the other participants' unread counters and only then notifies. The
// persistence steps outlive a cancelled request.
func (uc *ConversationUseCase) SendMessage(ctx context.Context, sender *entity.Identity, input SendMessageInput) (*entity.Message, error) {
	allowed, wait := uc.limiter.Allow(sender.UserID, ratelimit.ActionSendMessage)
	if !allowed {
		logger.Warn("SendMessage Rate Limited: user %s must wait %v", sender.UserID, wait)
		return nil, errors.TooManyRequests("Rate limit exceeded. Please slow down")
	}

	if input.Type == "" {
		input.Type = entity.MessageTypeText
	}
	if !entity.ValidMessageType(input.Type) {
		return nil, errors.BadRequest("Unsupported message type: "+input.Type, nil)
	}
	content := strings.TrimSpace(input.Content)
	if content == "" && len(input.Attachments) == 0 && input.ListingID == "" {
		return nil, errors.BadRequest("Message content cannot be empty", nil)
	}

	conversation, _, err := uc.requireParticipant(ctx, input.ConversationID, sender.UserID)
	if err != nil {
		return nil, err
	}

	if input.ReplyToID != "" {
		if _, err := uc.repo.GetMessage(ctx, conversation.ID, input.ReplyToID); err != nil {
			return nil, err
		}
	}

	message := &entity.Message{
		ConversationID: conversation.ID,
		SenderID:       sender.UserID,
		Content:        content,
		Type:           input.Type,
		ReplyToID:      input.ReplyToID,
		Attachments:    input.Attachments,
		ReadBy:         []string{sender.UserID},
		CreatedAt:      time.Now(),
	}
	if input.ListingID != "" {
		listing, err := uc.listings.GetByID(ctx, input.ListingID)
		if err != nil {
			return nil, err
		}
		message.ListingRef = listing.Snapshot()
	}

	persistCtx := context.WithoutCancel(ctx)

	if err := uc.repo.CreateMessage(persistCtx, message); err != nil {
		logger.Error("SendMessage Error: failed to persist message in %s: %v", conversation.ID, err)
		return nil, err
	}

	conversation.LastMessage = summarize(message)
	if err := uc.repo.UpdateLastMessage(persistCtx, conversation.ID, conversation.LastMessage); err != nil {
		logger.Error("SendMessage Error: failed to move last message of %s: %v", conversation.ID, err)
		return nil, err
	}

	unread, err := uc.unread.IncrementForOthers(persistCtx, conversation.ID, sender.UserID)
	if err != nil {
		logger.Error("SendMessage Error: failed to bump unread counters of %s: %v", conversation.ID, err)
		return nil, err
	}

	if uc.typing != nil && uc.typing.Stop(conversation.ID, sender.UserID) {
		uc.notifier.TypingChanged(ctx, conversation, sender, false)
	}
	uc.notifier.MessageSent(ctx, conversation, message, sender, unread)

	return message, nil
}

// GetMessages pages from the newest message backwards but returns the page in
// chronological order.
func (uc *ConversationUseCase) GetMessages(ctx context.Context, conversationID, requesterID string, limit, offset int) ([]*entity.Message, int64, error) {
	if _, _, err := uc.requireParticipant(ctx, conversationID, requesterID); err != nil {
		return nil, 0, err
	}

	var messages []*entity.Message
	var total int64
	err := withReadRetry(ctx, func() error {
		var err error
		messages, total, err = uc.repo.GetMessages(ctx, conversationID, limit, offset)
		return err
	})
	if err != nil {
		logger.Error("GetMessages Error: conversation %s: %v", conversationID, err)
		return nil, 0, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, total, nil
}

func (uc *ConversationUseCase) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) (*MarkReadResult, error) {
	conversation, participant, err := uc.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	updated, count, err := uc.unread.MarkRead(context.WithoutCancel(ctx), conversationID, userID, messageIDs)
	if err != nil {
		return nil, err
	}

	if len(updated) > 0 || count != participant.UnreadCount {
		conversation.UnreadCount = count
		uc.notifier.MessagesRead(ctx, conversation, userID, updated, count)
	}

	if updated == nil {
		updated = []string{}
	}
	return &MarkReadResult{ConversationID: conversationID, MessageIDs: updated, UnreadCount: count}, nil
}

func (uc *ConversationUseCase) UpdateConversation(ctx context.Context, conversationID, requesterID string, patch ConversationPatch) (*entity.Conversation, error) {
	if _, _, err := uc.requireParticipant(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}

	var subject *string
	if patch.Subject != nil {
		trimmed := strings.TrimSpace(*patch.Subject)
		subject = &trimmed
	}
	if err := uc.repo.UpdateDetails(ctx, conversationID, subject, patch.Metadata); err != nil {
		logger.Error("UpdateConversation Error: %s: %v", conversationID, err)
		return nil, err
	}

	conversation, err := uc.repo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := uc.decorate(ctx, conversation, requesterID); err != nil {
		return nil, err
	}
	uc.notifier.ConversationUpdated(ctx, conversation, "updated")
	return conversation, nil
}

// SoftDelete deactivates the conversation, which frees its participant pair.
func (uc *ConversationUseCase) SoftDelete(ctx context.Context, conversationID, requesterID string) error {
	conversation, _, err := uc.requireParticipant(ctx, conversationID, requesterID)
	if err != nil {
		return err
	}

	if err := uc.repo.SoftDelete(ctx, conversationID); err != nil {
		logger.Error("SoftDelete Error: %s: %v", conversationID, err)
		return err
	}

	conversation.IsActive = false
	uc.notifier.ConversationUpdated(ctx, conversation, "deleted")
	return nil
}

// SetTyping records a typing transition. Typing events over the rate limit are
// dropped without an error.
func (uc *ConversationUseCase) SetTyping(ctx context.Context, user *entity.Identity, conversationID string, isTyping bool) error {
	if isTyping {
		if allowed, _ := uc.limiter.Allow(user.UserID, ratelimit.ActionTyping); !allowed {
			return nil
		}
	}

	conversation, _, err := uc.requireParticipant(ctx, conversationID, user.UserID)
	if err != nil {
		return err
	}

	if isTyping {
		uc.typing.Start(conversationID, user.UserID, user.DisplayName)
		uc.notifier.TypingChanged(ctx, conversation, user, true)
		return nil
	}

	if uc.typing.Stop(conversationID, user.UserID) {
		uc.notifier.TypingChanged(ctx, conversation, user, false)
	}
	return nil
}

func (uc *ConversationUseCase) TypingUsers(ctx context.Context, conversationID, requesterID string) ([]entity.TypingUser, error) {
	if _, _, err := uc.requireParticipant(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	return uc.typing.Users(conversationID), nil
}

// Status answers check_conversation_status without failing for outsiders. A
// conversation the requester is not part of reads the same as a missing one.
func (uc *ConversationUseCase) Status(ctx context.Context, conversationID, requesterID string) (*ConversationStatus, error) {
	status := &ConversationStatus{ConversationID: conversationID}

	conversation, err := uc.repo.GetByID(ctx, conversationID)
	if errors.Is(err, errors.CodeNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(requesterID) {
		return status, nil
	}

	status.Exists = true
	status.IsActive = conversation.IsActive
	status.IsParticipant = true
	status.ParticipantIDs = conversation.ParticipantIDs
	if p, err := uc.repo.GetParticipant(ctx, conversationID, requesterID); err == nil {
		status.UnreadCount = p.UnreadCount
	}
	return status, nil
}

// MirrorPresence writes best-effort online state onto participant rows.
// Failures are logged only; the connection registry stays authoritative.
func (uc *ConversationUseCase) MirrorPresence(ctx context.Context, userID string, conversationIDs []string, online bool) {
	now := time.Now()
	for _, id := range conversationIDs {
		if err := uc.repo.UpdatePresence(context.WithoutCancel(ctx), id, userID, online, now); err != nil {
			logger.Warn("MirrorPresence: user %s in %s: %v", userID, id, err)
		}
	}
}

// requireParticipant loads an active conversation and the caller's participant row.
func (uc *ConversationUseCase) requireParticipant(ctx context.Context, conversationID, userID string) (*entity.Conversation, *entity.Participant, error) {
	conversation, err := uc.repo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if !conversation.IsActive {
		return nil, nil, errors.NotFound("Conversation", nil)
	}
	if !conversation.HasParticipant(userID) {
		logger.Warn("Forbidden: user %s is not a participant of %s", userID, conversationID)
		return nil, nil, errors.Forbidden("You are not a participant of this conversation", nil)
	}

	participant, err := uc.repo.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, nil, errors.Forbidden("You are not a participant of this conversation", err)
	}
	if err != nil {
		return nil, nil, err
	}
	return conversation, participant, nil
}

// decorate loads participants and sets the viewer's unread count.
func (uc *ConversationUseCase) decorate(ctx context.Context, conversation *entity.Conversation, viewerID string) error {
	participants, err := uc.repo.GetParticipants(ctx, conversation.ID)
	if err != nil {
		return err
	}
	conversation.Participants = participants
	conversation.UnreadCount = 0
	if p := conversation.Participant(viewerID); p != nil {
		conversation.UnreadCount = p.UnreadCount
	}
	return nil
}

func matchesSearch(c *entity.Conversation, viewerID, term string) bool {
	fields := []string{c.Subject}
	if other := c.OtherParticipant(viewerID); other != nil {
		fields = append(fields, other.DisplayName)
	}
	if c.LastMessage != nil {
		fields = append(fields, c.LastMessage.Content)
	}
	if listing, ok := c.Metadata["listing"].(map[string]interface{}); ok {
		if title, ok := listing["title"].(string); ok {
			fields = append(fields, title)
		}
	}

	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}
