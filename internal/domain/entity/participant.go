package entity

import "time"

const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// Participant is one member of a conversation. IsOnline and LastSeen are a
// best-effort mirror; the connection registry is authoritative for presence.
type Participant struct {
	ID             string    `json:"id" firestore:"id"`
	ConversationID string    `json:"conversation_id" firestore:"conversationId"`
	UserID         string    `json:"user_id" firestore:"userId"`
	DisplayName    string    `json:"display_name" firestore:"displayName"`
	AvatarURL      string    `json:"avatar_url,omitempty" firestore:"avatarUrl,omitempty"`
	Role           string    `json:"role" firestore:"role"`
	IsOnline       bool      `json:"is_online" firestore:"isOnline"`
	LastSeen       time.Time `json:"last_seen" firestore:"lastSeen"`
	UnreadCount    int       `json:"unread_count" firestore:"unreadCount"`
	JoinedAt       time.Time `json:"joined_at" firestore:"joinedAt"`
}
