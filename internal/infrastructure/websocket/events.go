package websocket

import (
	"encoding/json"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/usecase"
)

// Outbound event names. Clients depend on them verbatim.
const (
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventUserTyping          = "user_typing"
	EventMessagesRead        = "messages_read"
	EventConversationCreated = "conversation_created"
	EventConversationUpdated = "conversation_updated"
	EventNewMessageReceived  = "new_message_received"
	EventUserStatusChanged   = "user_status_changed"
	EventJoinedConversation  = "joined_conversation"
	EventLeftConversation    = "left_conversation"
	EventConversationStatus  = "conversation_status"
	EventError               = "error"
)

// Inbound event names.
const (
	EventJoinConversation        = "join_conversation"
	EventLeaveConversation       = "leave_conversation"
	EventTyping                  = "typing"
	EventMarkRead                = "mark_read"
	EventRefreshConversationList = "refresh_conversation_list"
	EventCheckConversationStatus = "check_conversation_status"
	EventSendMessage             = "send_message"
)

// Envelope is the frame written to clients.
type Envelope struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Data           interface{} `json:"data"`
	Timestamp      string      `json:"timestamp"`
}

// Inbound is the frame read from clients. Data is decoded per event.
type Inbound struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

func newEnvelope(event, conversationID string, data interface{}, now time.Time) Envelope {
	return Envelope{
		Type:           event,
		ConversationID: conversationID,
		Data:           data,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
}

type SenderInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type NewMessagePayload struct {
	Message *entity.Message `json:"message"`
	Sender  SenderInfo      `json:"sender"`
}

// NewMessageReceivedPayload only tells an out-of-room client to refresh its list.
type NewMessageReceivedPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	MessageType    string    `json:"message_type"`
	UnreadCount    int       `json:"unread_count"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessageSentPayload struct {
	TempID  string          `json:"temp_id,omitempty"`
	Message *entity.Message `json:"message"`
}

type UserTypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	IsTyping       bool   `json:"is_typing"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

type ConversationCreatedPayload struct {
	Conversation   *entity.Conversation `json:"conversation"`
	ParticipantIDs []string             `json:"participant_ids"`
}

type ConversationUpdatedPayload struct {
	ConversationID string                 `json:"conversation_id,omitempty"`
	Reason         string                 `json:"reason"`
	UnreadCount    *int                   `json:"unread_count,omitempty"`
	Conversation   *entity.Conversation   `json:"conversation,omitempty"`
	Conversations  []*entity.Conversation `json:"conversations,omitempty"`
	Total          *int64                 `json:"total,omitempty"`
}

type UserStatusPayload struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen"`
}

type RoomPayload struct {
	ConversationID string              `json:"conversation_id"`
	OnlineUsers    []string            `json:"online_users"`
	TypingUsers    []entity.TypingUser `json:"typing_users,omitempty"`
}

type ConversationStatusPayload struct {
	*usecase.ConversationStatus
	OnlineUsers []string `json:"online_users"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// Inbound data shapes.

type typingData struct {
	IsTyping bool `json:"is_typing"`
}

type markReadData struct {
	MessageIDs []string `json:"message_ids"`
}

type refreshData struct {
	Search     string `json:"search"`
	ListingID  string `json:"listing_id"`
	UnreadOnly bool   `json:"unread_only"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

type sendMessageData struct {
	TempID      string              `json:"temp_id"`
	Content     string              `json:"content"`
	Type        string              `json:"type"`
	Attachments []entity.Attachment `json:"attachments"`
	ReplyToID   string              `json:"reply_to_id"`
	ListingID   string              `json:"listing_id"`
}
