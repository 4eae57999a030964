package entity

import (
	"sort"
	"strings"
	"time"
)

const (
	ConversationTypeDirect  = "direct"
	ConversationTypeListing = "listing"
	ConversationTypeSupport = "support"
)

// LastMessage is the back-reference a conversation keeps to its newest message.
type LastMessage struct {
	ID        string    `json:"id" firestore:"id"`
	SenderID  string    `json:"sender_id" firestore:"senderId"`
	Content   string    `json:"content" firestore:"content"`
	Type      string    `json:"type" firestore:"type"`
	CreatedAt time.Time `json:"created_at" firestore:"createdAt"`
}

type Conversation struct {
	ID             string                 `json:"id" firestore:"id"`
	Subject        string                 `json:"subject,omitempty" firestore:"subject,omitempty"`
	Type           string                 `json:"type" firestore:"type"`
	ListingID      string                 `json:"listing_id,omitempty" firestore:"listingId,omitempty"`
	ParticipantIDs []string               `json:"participant_ids" firestore:"participantIds"`
	DedupeKey      string                 `json:"-" firestore:"dedupeKey"`
	IsActive       bool                   `json:"is_active" firestore:"isActive"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" firestore:"metadata,omitempty"`
	LastMessage    *LastMessage           `json:"last_message,omitempty" firestore:"lastMessage,omitempty"`
	CreatedAt      time.Time              `json:"created_at" firestore:"createdAt"`
	UpdatedAt      time.Time              `json:"updated_at" firestore:"updatedAt"`

	// UnreadCount is filled per viewer from that viewer's Participant row; it is never persisted.
	UnreadCount  int            `json:"unread_count" firestore:"-"`
	Participants []*Participant `json:"participants,omitempty" firestore:"-"`
}

// HasParticipant reports whether userID is one of the conversation's members.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Participant returns the loaded participant row for userID, if any.
func (c *Conversation) Participant(userID string) *Participant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// OtherParticipant returns the first loaded participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) *Participant {
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p
		}
	}
	return nil
}

// SortedParticipantIDs returns a sorted, de-duplicated copy of ids.
func SortedParticipantIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DedupeKey is the canonical identity of a conversation: sorted participant ids plus listing id.
// At most one active conversation may exist per key.
func DedupeKey(participantIDs []string, listingID string) string {
	return strings.Join(SortedParticipantIDs(participantIDs), ",") + "|" + listingID
}
