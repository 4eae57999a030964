package usecase

import (
	"context"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/logger"
)

// UnreadUseCase keeps participant unread counters equal to the number of
// unread messages from other senders.
type UnreadUseCase struct {
	repo repository.ConversationRepository
}

func NewUnreadUseCase(repo repository.ConversationRepository) *UnreadUseCase {
	return &UnreadUseCase{repo: repo}
}

// MarkRead flags matching messages as read, then recomputes and stores the
// reader's counter. Repeating the call changes nothing.
func (uc *UnreadUseCase) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) ([]string, int, error) {
	updated, err := uc.repo.MarkMessagesRead(ctx, conversationID, userID, messageIDs)
	if err != nil {
		logger.Error("MarkRead Error: failed to flag messages in %s for %s: %v", conversationID, userID, err)
		return nil, 0, err
	}

	count, err := uc.repo.RecomputeUnread(ctx, conversationID, userID)
	if err != nil {
		logger.Error("MarkRead Error: failed to recompute unread for %s in %s: %v", userID, conversationID, err)
		return nil, 0, err
	}
	return updated, count, nil
}

// IncrementForOthers bumps every counter except the sender's. The next
// recompute corrects any drift.
func (uc *UnreadUseCase) IncrementForOthers(ctx context.Context, conversationID, senderID string) (map[string]int, error) {
	return uc.repo.IncrementUnread(ctx, conversationID, senderID)
}

// RecomputeConversation rewrites the counter of every participant of a conversation.
func (uc *UnreadUseCase) RecomputeConversation(ctx context.Context, conversation *entity.Conversation) (map[string]int, error) {
	counts := make(map[string]int, len(conversation.ParticipantIDs))
	for _, userID := range conversation.ParticipantIDs {
		n, err := uc.repo.RecomputeUnread(ctx, conversation.ID, userID)
		if err != nil {
			return nil, err
		}
		counts[userID] = n
	}
	return counts, nil
}
