package entity

import (
	"time"
)

const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

type User struct {
	ID        string    `json:"id" firestore:"id"`
	Email     string    `json:"email" firestore:"email"`
	Username  string    `json:"username" firestore:"username"`
	AvatarURL string    `json:"avatar_url,omitempty" firestore:"avatarURL,omitempty"`
	Role      string    `json:"role" firestore:"role"`
	Status    string    `json:"status" firestore:"status"`
	LastSeen  time.Time `json:"last_seen" firestore:"lastSeen"`
	CreatedAt time.Time `json:"created_at" firestore:"createdAt"`
	UpdatedAt time.Time `json:"updated_at" firestore:"updatedAt"`
}

// Identity is the already-authenticated caller handed over by the session layer.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
	Status      string `json:"status"`
}

func (u *User) Identity() *Identity {
	return &Identity{
		UserID:      u.ID,
		Email:       u.Email,
		DisplayName: u.Username,
		AvatarURL:   u.AvatarURL,
		Role:        u.Role,
		Status:      u.Status,
	}
}

func (i *Identity) IsSuspended() bool {
	return i.Status == UserStatusSuspended
}

func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
