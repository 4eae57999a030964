package entity

import "time"

const (
	MessageTypeText    = "text"
	MessageTypeImage   = "image"
	MessageTypeFile    = "file"
	MessageTypeListing = "listing"
)

type Attachment struct {
	URL      string `json:"url" firestore:"url"`
	Name     string `json:"name,omitempty" firestore:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty" firestore:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty" firestore:"size,omitempty"`
}

// Message is immutable after creation except for IsRead and ReadBy.
type Message struct {
	ID             string           `json:"id" firestore:"id"`
	ConversationID string           `json:"conversation_id" firestore:"conversationId"`
	SenderID       string           `json:"sender_id" firestore:"senderId"`
	Content        string           `json:"content" firestore:"content"`
	Type           string           `json:"type" firestore:"type"`
	ReplyToID      string           `json:"reply_to_id,omitempty" firestore:"replyToId,omitempty"`
	Attachments    []Attachment     `json:"attachments,omitempty" firestore:"attachments,omitempty"`
	ListingRef     *ListingSnapshot `json:"listing_reference,omitempty" firestore:"listingReference,omitempty"`
	IsRead         bool             `json:"is_read" firestore:"isRead"`
	ReadBy         []string         `json:"read_by" firestore:"readBy"`
	CreatedAt      time.Time        `json:"created_at" firestore:"createdAt"`
}

// IsReadBy reports whether userID appears in ReadBy.
func (m *Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// IsUnreadFor reports whether the message counts toward viewerID's unread total.
func (m *Message) IsUnreadFor(viewerID string) bool {
	return !m.IsRead && m.SenderID != viewerID
}

func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeListing:
		return true
	}
	return false
}
