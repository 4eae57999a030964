package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

// MemoryConversationRepository keeps conversations in process. It backs tests and
// the memory storage driver.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entity.Conversation
	participants  map[string]map[string]*entity.Participant
	messages      map[string][]*entity.Message
	keys          map[string]string
	allowDupes    bool
}

type MemoryOption func(*MemoryConversationRepository)

// WithDuplicateKeys disables the dedupe-key guard on Create, which models a store
// that already holds duplicate conversations.
func WithDuplicateKeys() MemoryOption {
	return func(r *MemoryConversationRepository) {
		r.allowDupes = true
	}
}

var _ repository.ConversationRepository = (*MemoryConversationRepository)(nil)

func NewMemoryConversationRepository(opts ...MemoryOption) *MemoryConversationRepository {
	r := &MemoryConversationRepository{
		conversations: make(map[string]*entity.Conversation),
		participants:  make(map[string]map[string]*entity.Participant),
		messages:      make(map[string][]*entity.Message),
		keys:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryConversationRepository) Create(ctx context.Context, conversation *entity.Conversation, participants []*entity.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	conversation.ParticipantIDs = entity.SortedParticipantIDs(conversation.ParticipantIDs)
	conversation.DedupeKey = entity.DedupeKey(conversation.ParticipantIDs, conversation.ListingID)

	if conversation.IsActive {
		if holder, ok := r.keys[conversation.DedupeKey]; ok && !r.allowDupes {
			return errors.Conflict("An active conversation already exists for these participants: " + holder)
		}
	}

	now := time.Now()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	if conversation.UpdatedAt.IsZero() {
		conversation.UpdatedAt = conversation.CreatedAt
	}

	rows := make(map[string]*entity.Participant, len(participants))
	for _, p := range participants {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.ConversationID = conversation.ID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		cp := *p
		rows[p.UserID] = &cp
	}

	r.conversations[conversation.ID] = cloneConversation(conversation)
	r.participants[conversation.ID] = rows
	if conversation.IsActive {
		if _, held := r.keys[conversation.DedupeKey]; !held {
			r.keys[conversation.DedupeKey] = conversation.ID
		}
	}
	return nil
}

func (r *MemoryConversationRepository) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}
	return cloneConversation(conv), nil
}

func (r *MemoryConversationRepository) ListByUserID(ctx context.Context, userID string, filter repository.ConversationFilter) ([]*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entity.Conversation
	for _, conv := range r.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		if !conv.IsActive && !filter.IncludeInactive {
			continue
		}
		if filter.ListingID != "" && conv.ListingID != filter.ListingID {
			continue
		}
		out = append(out, cloneConversation(conv))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *MemoryConversationRepository) ListActive(ctx context.Context) ([]*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entity.Conversation
	for _, conv := range r.conversations {
		if conv.IsActive {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryConversationRepository) FindByParticipants(ctx context.Context, participantIDs []string, listingID string) (*entity.Conversation, error) {
	key := entity.DedupeKey(participantIDs, listingID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *entity.Conversation
	for _, conv := range r.conversations {
		if !conv.IsActive || conv.DedupeKey != key {
			continue
		}
		if found == nil || conv.CreatedAt.Before(found.CreatedAt) {
			found = conv
		}
	}
	if found == nil {
		return nil, errors.NotFound("Conversation", nil)
	}
	return cloneConversation(found), nil
}

func (r *MemoryConversationRepository) UpdateLastMessage(ctx context.Context, conversationID string, last *entity.LastMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return errors.NotFound("Conversation", nil)
	}
	if !conv.IsActive || !replacesLastMessage(conv.LastMessage, last) {
		return nil
	}

	lm := *last
	conv.LastMessage = &lm
	conv.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryConversationRepository) UpdateDetails(ctx context.Context, conversationID string, subject *string, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok || !conv.IsActive {
		return errors.NotFound("Conversation", nil)
	}

	if subject != nil {
		conv.Subject = *subject
	}
	if len(metadata) > 0 && conv.Metadata == nil {
		conv.Metadata = make(map[string]interface{}, len(metadata))
	}
	for k, v := range metadata {
		conv.Metadata[k] = v
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryConversationRepository) SoftDelete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return errors.NotFound("Conversation", nil)
	}
	if !conv.IsActive {
		return nil
	}

	conv.IsActive = false
	conv.UpdatedAt = time.Now()
	if r.keys[conv.DedupeKey] == id {
		delete(r.keys, conv.DedupeKey)
	}
	return nil
}

func (r *MemoryConversationRepository) ClaimKey(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return errors.NotFound("Conversation", nil)
	}
	if !conv.IsActive {
		return nil
	}
	if _, held := r.keys[conv.DedupeKey]; !held {
		r.keys[conv.DedupeKey] = id
	}
	return nil
}

func (r *MemoryConversationRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return errors.NotFound("Conversation", nil)
	}
	if r.keys[conv.DedupeKey] == id {
		delete(r.keys, conv.DedupeKey)
	}
	delete(r.conversations, id)
	delete(r.participants, id)
	delete(r.messages, id)
	return nil
}

func (r *MemoryConversationRepository) GetParticipants(ctx context.Context, conversationID string) ([]*entity.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, ok := r.participants[conversationID]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}
	out := make([]*entity.Participant, 0, len(rows))
	for _, p := range rows {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *MemoryConversationRepository) GetParticipant(ctx context.Context, conversationID, userID string) (*entity.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[conversationID][userID]
	if !ok {
		return nil, errors.NotFound("Participant", nil)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryConversationRepository) UpdatePresence(ctx context.Context, conversationID, userID string, online bool, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[conversationID][userID]
	if !ok {
		return errors.NotFound("Participant", nil)
	}
	p.IsOnline = online
	p.LastSeen = lastSeen
	return nil
}

func (r *MemoryConversationRepository) CreateMessage(ctx context.Context, message *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[message.ConversationID]; !ok {
		return errors.NotFound("Conversation", nil)
	}
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	r.messages[message.ConversationID] = append(r.messages[message.ConversationID], cloneMessage(message))
	return nil
}

func (r *MemoryConversationRepository) GetMessage(ctx context.Context, conversationID, messageID string) (*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.messages[conversationID] {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return nil, errors.NotFound("Message", nil)
}

func (r *MemoryConversationRepository) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.messages[conversationID]
	total := int64(len(all))

	desc := make([]*entity.Message, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		desc = append(desc, all[i])
	}
	sort.SliceStable(desc, func(i, j int) bool {
		return desc[i].CreatedAt.After(desc[j].CreatedAt)
	})

	if offset >= len(desc) {
		return []*entity.Message{}, total, nil
	}
	end := len(desc)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page := make([]*entity.Message, 0, end-offset)
	for _, m := range desc[offset:end] {
		page = append(page, cloneMessage(m))
	}
	return page, total, nil
}

func (r *MemoryConversationRepository) ListAllMessages(ctx context.Context, conversationID string) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entity.Message, 0, len(r.messages[conversationID]))
	for _, m := range r.messages[conversationID] {
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryConversationRepository) MarkMessagesRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[conversationID]; !ok {
		return nil, errors.NotFound("Conversation", nil)
	}

	var wanted map[string]struct{}
	if len(messageIDs) > 0 {
		wanted = make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			wanted[id] = struct{}{}
		}
	}

	var updated []string
	for _, m := range r.messages[conversationID] {
		if m.SenderID == readerID {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[m.ID]; !ok {
				continue
			}
		}
		if m.IsRead && m.IsReadBy(readerID) {
			continue
		}
		m.IsRead = true
		if !m.IsReadBy(readerID) {
			m.ReadBy = append(m.ReadBy, readerID)
		}
		updated = append(updated, m.ID)
	}
	return updated, nil
}

func (r *MemoryConversationRepository) ReassignMessages(ctx context.Context, fromID, toID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[toID]; !ok {
		return 0, errors.NotFound("Conversation", nil)
	}

	moved := r.messages[fromID]
	for _, m := range moved {
		m.ConversationID = toID
	}
	r.messages[toID] = append(r.messages[toID], moved...)
	sort.SliceStable(r.messages[toID], func(i, j int) bool {
		return r.messages[toID][i].CreatedAt.Before(r.messages[toID][j].CreatedAt)
	})
	delete(r.messages, fromID)
	return len(moved), nil
}

func (r *MemoryConversationRepository) RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[conversationID][userID]
	if !ok {
		return 0, errors.NotFound("Participant", nil)
	}

	count := 0
	for _, m := range r.messages[conversationID] {
		if m.IsUnreadFor(userID) {
			count++
		}
	}
	p.UnreadCount = count
	return count, nil
}

func (r *MemoryConversationRepository) IncrementUnread(ctx context.Context, conversationID, senderID string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, ok := r.participants[conversationID]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}

	counts := make(map[string]int, len(rows))
	for userID, p := range rows {
		if userID == senderID {
			continue
		}
		if p.UnreadCount < 0 {
			p.UnreadCount = 0
		}
		p.UnreadCount++
		counts[userID] = p.UnreadCount
	}
	return counts, nil
}

// replacesLastMessage reports whether next may overwrite current: a pointer only
// moves to a message created at the same time or later.
func replacesLastMessage(current, next *entity.LastMessage) bool {
	if next == nil {
		return false
	}
	return current == nil || !next.CreatedAt.Before(current.CreatedAt)
}

func cloneConversation(c *entity.Conversation) *entity.Conversation {
	cp := *c
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	cp.Participants = nil
	cp.UnreadCount = 0
	return &cp
}

func cloneMessage(m *entity.Message) *entity.Message {
	cp := *m
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	cp.Attachments = append([]entity.Attachment(nil), m.Attachments...)
	if m.ListingRef != nil {
		ref := *m.ListingRef
		cp.ListingRef = &ref
	}
	return &cp
}
