package websocket

import (
	"context"
	"encoding/json"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

// OfflineHook is called for participants with no live connection when a
// message arrives. Push delivery plugs in here.
type OfflineHook func(ctx context.Context, userID string, conversation *entity.Conversation, message *entity.Message)

type originKey struct{}

// WithOrigin marks ctx as coming from one connection, which is then left out
// of the full-payload fan-out for that action.
func WithOrigin(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, originKey{}, connectionID)
}

func originFrom(ctx context.Context) string {
	id, _ := ctx.Value(originKey{}).(string)
	return id
}

// Dispatcher turns committed domain events into frames. In-room connections
// get full payloads; other connections of participants get refresh signals.
type Dispatcher struct {
	registry      *Registry
	createdFanout string
	offline       OfflineHook
	now           func() time.Time
}

var _ usecase.Notifier = (*Dispatcher)(nil)

type DispatcherOption func(*Dispatcher)

// WithCreatedFanout selects config.FanoutBroadcast (every connection) or
// config.FanoutParticipants (participants' connections only).
func WithCreatedFanout(mode string) DispatcherOption {
	return func(d *Dispatcher) { d.createdFanout = mode }
}

func WithOfflineHook(hook OfflineHook) DispatcherOption {
	return func(d *Dispatcher) { d.offline = hook }
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:      registry,
		createdFanout: config.FanoutBroadcast,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) MessageSent(ctx context.Context, conversation *entity.Conversation, message *entity.Message, sender *entity.Identity, unread map[string]int) {
	origin := originFrom(ctx)

	full := d.frame(EventNewMessage, conversation.ID, NewMessagePayload{
		Message: message,
		Sender: SenderInfo{
			UserID:      sender.UserID,
			DisplayName: sender.DisplayName,
			AvatarURL:   sender.AvatarURL,
		},
	})

	covered := make(map[string]struct{})
	for _, c := range d.registry.RoomConnections(conversation.ID) {
		covered[c.ID] = struct{}{}
		if c.ID == origin {
			continue
		}
		d.deliver(c, EventNewMessage, full)
	}

	for _, userID := range conversation.ParticipantIDs {
		if userID == sender.UserID {
			continue
		}

		conns := d.registry.ConnectionsForUser(userID)
		if len(conns) == 0 {
			if d.offline != nil {
				d.offline(ctx, userID, conversation, message)
			}
			continue
		}

		var summary []byte
		for _, c := range conns {
			if _, ok := covered[c.ID]; ok {
				continue
			}
			if summary == nil {
				summary = d.frame(EventNewMessageReceived, conversation.ID, NewMessageReceivedPayload{
					ConversationID: conversation.ID,
					MessageID:      message.ID,
					SenderID:       sender.UserID,
					SenderName:     sender.DisplayName,
					MessageType:    message.Type,
					UnreadCount:    unread[userID],
					CreatedAt:      message.CreatedAt,
				})
			}
			d.deliver(c, EventNewMessageReceived, summary)
		}
	}
}

func (d *Dispatcher) TypingChanged(ctx context.Context, conversation *entity.Conversation, user *entity.Identity, isTyping bool) {
	frame := d.frame(EventUserTyping, conversation.ID, UserTypingPayload{
		ConversationID: conversation.ID,
		UserID:         user.UserID,
		DisplayName:    user.DisplayName,
		IsTyping:       isTyping,
	})

	for _, c := range d.registry.RoomConnections(conversation.ID) {
		if c.UserID == user.UserID {
			continue
		}
		d.deliver(c, EventUserTyping, frame)
	}
}

// MessagesRead sends the receipt into the room and the reader's new unread
// count to every connection of the reader.
func (d *Dispatcher) MessagesRead(ctx context.Context, conversation *entity.Conversation, readerID string, messageIDs []string, unreadCount int) {
	if len(messageIDs) > 0 {
		receipt := d.frame(EventMessagesRead, conversation.ID, MessagesReadPayload{
			ConversationID: conversation.ID,
			ReaderID:       readerID,
			MessageIDs:     messageIDs,
			ReadAt:         d.now(),
		})
		for _, c := range d.registry.RoomConnections(conversation.ID) {
			if c.UserID == readerID {
				continue
			}
			d.deliver(c, EventMessagesRead, receipt)
		}
	}

	count := unreadCount
	update := d.frame(EventConversationUpdated, conversation.ID, ConversationUpdatedPayload{
		ConversationID: conversation.ID,
		Reason:         "read",
		UnreadCount:    &count,
	})
	for _, c := range d.registry.ConnectionsForUser(readerID) {
		d.deliver(c, EventConversationUpdated, update)
	}
}

func (d *Dispatcher) ConversationCreated(ctx context.Context, conversation *entity.Conversation, actorID string) {
	frame := d.frame(EventConversationCreated, conversation.ID, ConversationCreatedPayload{
		Conversation:   conversation,
		ParticipantIDs: conversation.ParticipantIDs,
	})

	if d.createdFanout == config.FanoutParticipants {
		for _, userID := range conversation.ParticipantIDs {
			for _, c := range d.registry.ConnectionsForUser(userID) {
				d.deliver(c, EventConversationCreated, frame)
			}
		}
		return
	}

	// Creation volume is low; clients filter by participant_ids.
	for _, c := range d.registry.All() {
		d.deliver(c, EventConversationCreated, frame)
	}
}

// ConversationUpdated reaches every connection of every participant, each with
// its own unread count.
func (d *Dispatcher) ConversationUpdated(ctx context.Context, conversation *entity.Conversation, reason string) {
	for _, userID := range conversation.ParticipantIDs {
		conns := d.registry.ConnectionsForUser(userID)
		if len(conns) == 0 {
			continue
		}

		view := *conversation
		view.UnreadCount = 0
		if p := conversation.Participant(userID); p != nil {
			view.UnreadCount = p.UnreadCount
		}
		count := view.UnreadCount

		frame := d.frame(EventConversationUpdated, conversation.ID, ConversationUpdatedPayload{
			ConversationID: conversation.ID,
			Reason:         reason,
			UnreadCount:    &count,
			Conversation:   &view,
		})
		for _, c := range conns {
			d.deliver(c, EventConversationUpdated, frame)
		}
	}
}

// UserStatusChanged goes to every connection: any client may be showing the user.
func (d *Dispatcher) UserStatusChanged(user *entity.Identity, online bool) {
	frame := d.frame(EventUserStatusChanged, "", UserStatusPayload{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		IsOnline:    online,
		LastSeen:    d.now(),
	})
	for _, c := range d.registry.All() {
		d.deliver(c, EventUserStatusChanged, frame)
	}
}

// Send writes one event to one connection.
func (d *Dispatcher) Send(c *Client, event, conversationID string, data interface{}) {
	d.deliver(c, event, d.frame(event, conversationID, data))
}

func (d *Dispatcher) frame(event, conversationID string, data interface{}) []byte {
	b, err := json.Marshal(newEnvelope(event, conversationID, data, d.now()))
	if err != nil {
		logger.Error("Dispatcher Error: failed to encode %s: %v", event, err)
		return nil
	}
	return b
}

func (d *Dispatcher) deliver(c *Client, event string, frame []byte) {
	if frame == nil {
		return
	}
	if err := c.Deliver(frame); err != nil {
		logger.LogBroadcastFailure(event, c.ID, err)
	}
}
