package usecase

import (
	"context"
	"time"

	"marketchat/internal/domain/entity"
)

// Notifier receives domain events after they are committed. Implementations
// must not block and must swallow delivery failures.
type Notifier interface {
	MessageSent(ctx context.Context, conversation *entity.Conversation, message *entity.Message, sender *entity.Identity, unread map[string]int)
	TypingChanged(ctx context.Context, conversation *entity.Conversation, user *entity.Identity, isTyping bool)
	MessagesRead(ctx context.Context, conversation *entity.Conversation, readerID string, messageIDs []string, unreadCount int)
	ConversationCreated(ctx context.Context, conversation *entity.Conversation, actorID string)
	ConversationUpdated(ctx context.Context, conversation *entity.Conversation, reason string)
}

type TypingTracker interface {
	Start(conversationID, userID, displayName string) bool
	Stop(conversationID, userID string) bool
	Users(conversationID string) []entity.TypingUser
}

type RateLimiter interface {
	Allow(userID, action string) (bool, time.Duration)
}

// NopNotifier drops every event. Jobs without live connections use it.
type NopNotifier struct{}

func (NopNotifier) MessageSent(context.Context, *entity.Conversation, *entity.Message, *entity.Identity, map[string]int) {
}
func (NopNotifier) TypingChanged(context.Context, *entity.Conversation, *entity.Identity, bool) {}
func (NopNotifier) MessagesRead(context.Context, *entity.Conversation, string, []string, int)   {}
func (NopNotifier) ConversationCreated(context.Context, *entity.Conversation, string)           {}
func (NopNotifier) ConversationUpdated(context.Context, *entity.Conversation, string)           {}

type unlimited struct{}

func (unlimited) Allow(string, string) (bool, time.Duration) { return true, 0 }
