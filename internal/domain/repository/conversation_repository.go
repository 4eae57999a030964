package repository

import (
	"context"
	"time"

	"marketchat/internal/domain/entity"
)

// ConversationFilter narrows ListByUserID. Zero values mean no filtering.
type ConversationFilter struct {
	ListingID       string
	IncludeInactive bool
}

type ConversationRepository interface {
	// Create persists a conversation and its participants. It returns a CONFLICT
	// error when an active conversation already holds the same dedupe key.
	Create(ctx context.Context, conversation *entity.Conversation, participants []*entity.Participant) error
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	ListByUserID(ctx context.Context, userID string, filter ConversationFilter) ([]*entity.Conversation, error)
	ListActive(ctx context.Context) ([]*entity.Conversation, error)
	FindByParticipants(ctx context.Context, participantIDs []string, listingID string) (*entity.Conversation, error)
	// UpdateLastMessage moves the last-message pointer of an active conversation.
	// The pointer never moves to an older message and an inactive conversation is left alone.
	UpdateLastMessage(ctx context.Context, conversationID string, last *entity.LastMessage) error
	// UpdateDetails sets the subject when non-nil and merges metadata keys. It
	// returns NOT_FOUND for an inactive conversation.
	UpdateDetails(ctx context.Context, conversationID string, subject *string, metadata map[string]interface{}) error
	// SoftDelete deactivates a conversation and releases the dedupe key it holds.
	SoftDelete(ctx context.Context, id string) error
	// ClaimKey makes an active conversation the holder of its dedupe key if the key is free.
	ClaimKey(ctx context.Context, id string) error
	// Delete hard-removes a conversation with its participants and messages.
	Delete(ctx context.Context, id string) error

	GetParticipants(ctx context.Context, conversationID string) ([]*entity.Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*entity.Participant, error)
	UpdatePresence(ctx context.Context, conversationID, userID string, online bool, lastSeen time.Time) error

	CreateMessage(ctx context.Context, message *entity.Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (*entity.Message, error)
	// GetMessages pages newest first and returns the total message count.
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, int64, error)
	// ListAllMessages returns every message oldest first.
	ListAllMessages(ctx context.Context, conversationID string) ([]*entity.Message, error)
	// MarkMessagesRead flags messages not sent by readerID as read and returns the ids
	// that changed. An empty messageIDs targets every unread message.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error)
	// ReassignMessages moves every message of fromID onto toID and returns how many moved.
	ReassignMessages(ctx context.Context, fromID, toID string) (int, error)

	// RecomputeUnread counts unread messages from other senders and writes the
	// result onto the participant row atomically.
	RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error)
	// IncrementUnread adds one to every participant except senderID and returns the new counts.
	IncrementUnread(ctx context.Context, conversationID, senderID string) (map[string]int, error)
}
