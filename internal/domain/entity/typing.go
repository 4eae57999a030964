package entity

import "time"

// TypingUser is one non-expired typing entry of a conversation.
type TypingUser struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	StartedAt   time.Time `json:"timestamp"`
}
