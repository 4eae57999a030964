package websocket

import (
	"context"
	"encoding/json"

	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// HandleClientMessage decodes one inbound frame and runs it. Failures are
// answered with an error event; only UNAUTHENTICATED closes the connection.
func (m *Manager) HandleClientMessage(ctx context.Context, client *Client, frame []byte) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		logger.Warn("WebSocket: invalid frame from %s: %v", client.ID, err)
		m.replyError(client, "", errors.BadRequest("Invalid message format", err))
		return
	}

	var err error
	switch in.Type {
	case EventJoinConversation:
		err = m.handleJoin(ctx, client, in)
	case EventLeaveConversation:
		err = m.handleLeave(ctx, client, in)
	case EventTyping:
		err = m.handleTyping(ctx, client, in)
	case EventMarkRead:
		err = m.handleMarkRead(ctx, client, in)
	case EventRefreshConversationList:
		err = m.handleRefresh(ctx, client, in)
	case EventCheckConversationStatus:
		err = m.handleStatus(ctx, client, in)
	case EventSendMessage:
		err = m.handleSendMessage(ctx, client, in)
	default:
		err = errors.BadRequest("Unknown event type: "+in.Type, nil)
	}

	if err != nil {
		m.replyError(client, in.Type, err)
		if errors.Is(err, errors.CodeUnauthenticated) {
			client.Close()
		}
	}
}

func (m *Manager) handleJoin(ctx context.Context, client *Client, in Inbound) error {
	if in.ConversationID == "" {
		return errors.BadRequest("conversation_id is required", nil)
	}

	if _, err := m.conversations.GetConversation(ctx, in.ConversationID, client.UserID); err != nil {
		return err
	}
	if err := m.registry.JoinRoom(client.ID, in.ConversationID); err != nil {
		return err
	}
	m.conversations.MirrorPresence(ctx, client.UserID, []string{in.ConversationID}, true)

	typing, err := m.conversations.TypingUsers(ctx, in.ConversationID, client.UserID)
	if err != nil {
		return err
	}

	m.dispatcher.Send(client, EventJoinedConversation, in.ConversationID, RoomPayload{
		ConversationID: in.ConversationID,
		OnlineUsers:    m.registry.OnlineParticipants(in.ConversationID),
		TypingUsers:    typing,
	})
	return nil
}

func (m *Manager) handleLeave(ctx context.Context, client *Client, in Inbound) error {
	if in.ConversationID == "" {
		return errors.BadRequest("conversation_id is required", nil)
	}

	if m.registry.LeaveRoom(client.ID, in.ConversationID) && !m.registry.IsUserInConversation(client.UserID, in.ConversationID) {
		if err := m.conversations.SetTyping(ctx, client.identity(), in.ConversationID, false); err != nil {
			logger.Debug("Leave: typing stop for %s: %v", client.UserID, err)
		}
		m.conversations.MirrorPresence(ctx, client.UserID, []string{in.ConversationID}, false)
	}

	m.dispatcher.Send(client, EventLeftConversation, in.ConversationID, RoomPayload{
		ConversationID: in.ConversationID,
		OnlineUsers:    m.registry.OnlineParticipants(in.ConversationID),
	})
	return nil
}

func (m *Manager) handleTyping(ctx context.Context, client *Client, in Inbound) error {
	var data typingData
	if err := decode(in, &data); err != nil {
		return err
	}
	return m.conversations.SetTyping(ctx, client.identity(), in.ConversationID, data.IsTyping)
}

func (m *Manager) handleMarkRead(ctx context.Context, client *Client, in Inbound) error {
	var data markReadData
	if err := decode(in, &data); err != nil {
		return err
	}
	_, err := m.conversations.MarkRead(WithOrigin(ctx, client.ID), in.ConversationID, client.UserID, data.MessageIDs)
	return err
}

func (m *Manager) handleRefresh(ctx context.Context, client *Client, in Inbound) error {
	var data refreshData
	if err := decode(in, &data); err != nil {
		return err
	}

	conversations, total, err := m.conversations.ListConversations(ctx, client.UserID, usecase.ListConversationsInput{
		Search:     data.Search,
		ListingID:  data.ListingID,
		UnreadOnly: data.UnreadOnly,
		Limit:      data.Limit,
		Offset:     data.Offset,
	})
	if err != nil {
		return err
	}

	m.dispatcher.Send(client, EventConversationUpdated, "", ConversationUpdatedPayload{
		Reason:        "refresh",
		Conversations: conversations,
		Total:         &total,
	})
	return nil
}

func (m *Manager) handleStatus(ctx context.Context, client *Client, in Inbound) error {
	if in.ConversationID == "" {
		return errors.BadRequest("conversation_id is required", nil)
	}

	status, err := m.conversations.Status(ctx, in.ConversationID, client.UserID)
	if err != nil {
		return err
	}

	online := []string{}
	if status.IsParticipant {
		for _, userID := range status.ParticipantIDs {
			if m.registry.IsOnline(userID) {
				online = append(online, userID)
			}
		}
	}

	m.dispatcher.Send(client, EventConversationStatus, in.ConversationID, ConversationStatusPayload{
		ConversationStatus: status,
		OnlineUsers:        online,
	})
	return nil
}

func (m *Manager) handleSendMessage(ctx context.Context, client *Client, in Inbound) error {
	var data sendMessageData
	if err := decode(in, &data); err != nil {
		return err
	}

	message, err := m.conversations.SendMessage(WithOrigin(ctx, client.ID), client.identity(), usecase.SendMessageInput{
		ConversationID: in.ConversationID,
		Content:        data.Content,
		Type:           data.Type,
		Attachments:    data.Attachments,
		ReplyToID:      data.ReplyToID,
		ListingID:      data.ListingID,
	})
	if err != nil {
		return err
	}

	m.dispatcher.Send(client, EventMessageSent, in.ConversationID, MessageSentPayload{
		TempID:  data.TempID,
		Message: message,
	})
	return nil
}

func (m *Manager) replyError(client *Client, event string, err error) {
	m.dispatcher.Send(client, EventError, "", ErrorPayload{
		Code:    errors.Code(err),
		Message: errors.Message(err),
		Event:   event,
	})
}

func decode(in Inbound, v interface{}) error {
	if in.ConversationID == "" && in.Type != EventRefreshConversationList {
		return errors.BadRequest("conversation_id is required", nil)
	}
	if len(in.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return errors.BadRequest("Invalid "+in.Type+" payload", err)
	}
	return nil
}
