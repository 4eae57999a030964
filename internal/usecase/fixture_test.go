package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	domainrepo "marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/typing"
)

type sentEvent struct {
	conversationID string
	messageID      string
	unread         map[string]int
}

type typingEvent struct {
	conversationID string
	userID         string
	isTyping       bool
}

type readEvent struct {
	conversationID string
	readerID       string
	messageIDs     []string
	unread         int
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []sentEvent
	typing  []typingEvent
	read    []readEvent
	created []string
	updated []string
}

func (n *recordingNotifier) MessageSent(_ context.Context, c *entity.Conversation, m *entity.Message, _ *entity.Identity, unread map[string]int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEvent{conversationID: c.ID, messageID: m.ID, unread: unread})
}

func (n *recordingNotifier) TypingChanged(_ context.Context, c *entity.Conversation, u *entity.Identity, isTyping bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.typing = append(n.typing, typingEvent{conversationID: c.ID, userID: u.UserID, isTyping: isTyping})
}

func (n *recordingNotifier) MessagesRead(_ context.Context, c *entity.Conversation, readerID string, ids []string, unread int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.read = append(n.read, readEvent{conversationID: c.ID, readerID: readerID, messageIDs: ids, unread: unread})
}

func (n *recordingNotifier) ConversationCreated(_ context.Context, c *entity.Conversation, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, c.ID)
}

func (n *recordingNotifier) ConversationUpdated(_ context.Context, c *entity.Conversation, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, c.ID+":"+reason)
}

type fixture struct {
	repo       *repository.MemoryConversationRepository
	users      *repository.MemoryUserRepository
	listings   *repository.MemoryListingRepository
	notifier   *recordingNotifier
	tracker    *typing.Tracker
	unread     *UnreadUseCase
	reconciler *ReconcilerUseCase
	uc         *ConversationUseCase

	buyer  *entity.Identity
	seller *entity.Identity
	other  *entity.Identity
}

func newFixture(t *testing.T, opts ...repository.MemoryOption) *fixture {
	t.Helper()

	f := &fixture{
		repo:     repository.NewMemoryConversationRepository(opts...),
		users:    repository.NewMemoryUserRepository(),
		listings: repository.NewMemoryListingRepository(),
		notifier: &recordingNotifier{},
		tracker:  typing.NewTracker(),
	}

	ctx := context.Background()
	for _, u := range []*entity.User{
		{ID: "b1", Email: "b1@example.com", Username: "Bima", Role: "user"},
		{ID: "s1", Email: "s1@example.com", Username: "Sari", Role: "user"},
		{ID: "x1", Email: "x1@example.com", Username: "Xena", Role: "user"},
	} {
		require.NoError(t, f.users.Create(ctx, u))
	}
	f.listings.Save(&entity.Listing{
		ID:       "L1",
		UserID:   "s1",
		Title:    "Vintage Bicycle",
		Price:    1250000,
		Location: "Bandung",
		Images:   []string{"https://cdn.example.com/l1.jpg"},
	})

	f.buyer = &entity.Identity{UserID: "b1", DisplayName: "Bima", Status: entity.UserStatusActive}
	f.seller = &entity.Identity{UserID: "s1", DisplayName: "Sari", Status: entity.UserStatusActive}
	f.other = &entity.Identity{UserID: "x1", DisplayName: "Xena", Status: entity.UserStatusActive}

	f.unread = NewUnreadUseCase(f.repo)
	f.reconciler = NewReconcilerUseCase(f.repo, f.users, f.listings, f.unread, f.notifier)
	f.uc = NewConversationUseCase(f.repo, f.listings, f.reconciler, f.unread, f.tracker, f.notifier, nil)
	return f
}

// direct opens a plain two-party conversation between buyer and seller.
func (f *fixture) direct(t *testing.T) *entity.Conversation {
	t.Helper()
	c, created, err := f.uc.CreateConversation(context.Background(), f.buyer, CreateConversationInput{
		ParticipantIDs: []string{f.seller.UserID},
	})
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func (f *fixture) send(t *testing.T, from *entity.Identity, conversationID, content string) *entity.Message {
	t.Helper()
	m, err := f.uc.SendMessage(context.Background(), from, SendMessageInput{
		ConversationID: conversationID,
		Content:        content,
	})
	require.NoError(t, err)
	return m
}

// hookedRepository runs callbacks around selected writes so tests can interleave
// another request with one that is in flight.
type hookedRepository struct {
	*repository.MemoryConversationRepository

	beforeCreateMessage func()
	afterCreateMessage  func()
	beforeUpdateDetails func()
}

var _ domainrepo.ConversationRepository = (*hookedRepository)(nil)

func (r *hookedRepository) CreateMessage(ctx context.Context, message *entity.Message) error {
	if hook := r.beforeCreateMessage; hook != nil {
		r.beforeCreateMessage = nil
		hook()
	}
	if err := r.MemoryConversationRepository.CreateMessage(ctx, message); err != nil {
		return err
	}
	if hook := r.afterCreateMessage; hook != nil {
		r.afterCreateMessage = nil
		hook()
	}
	return nil
}

func (r *hookedRepository) UpdateDetails(ctx context.Context, conversationID string, subject *string, metadata map[string]interface{}) error {
	if hook := r.beforeUpdateDetails; hook != nil {
		r.beforeUpdateDetails = nil
		hook()
	}
	return r.MemoryConversationRepository.UpdateDetails(ctx, conversationID, subject, metadata)
}

// useCaseOver builds a conversation use case that shares the fixture's state
// but writes through repo.
func (f *fixture) useCaseOver(repo domainrepo.ConversationRepository) *ConversationUseCase {
	unread := NewUnreadUseCase(repo)
	reconciler := NewReconcilerUseCase(repo, f.users, f.listings, unread, f.notifier)
	return NewConversationUseCase(repo, f.listings, reconciler, unread, f.tracker, f.notifier, nil)
}
