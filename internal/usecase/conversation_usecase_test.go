package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/pkg/errors"
)

func TestSendMessageUpdatesPointerUnreadAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	m := f.send(t, f.buyer, c.ID, "  hello  ")
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, entity.MessageTypeText, m.Type)
	assert.Equal(t, []string{"b1"}, m.ReadBy)
	assert.False(t, m.IsRead)

	stored, err := f.repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastMessage)
	assert.Equal(t, m.ID, stored.LastMessage.ID)

	seller, err := f.repo.GetParticipant(ctx, c.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, seller.UnreadCount)
	buyer, err := f.repo.GetParticipant(ctx, c.ID, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, buyer.UnreadCount)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, m.ID, f.notifier.sent[0].messageID)
	assert.Equal(t, map[string]int{"s1": 1}, f.notifier.sent[0].unread)
}

func TestSendMessageRejectsOutsidersAndBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	_, err := f.uc.SendMessage(ctx, f.other, SendMessageInput{ConversationID: c.ID, Content: "hi"})
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	_, err = f.uc.SendMessage(ctx, f.buyer, SendMessageInput{ConversationID: c.ID, Content: "   "})
	assert.True(t, errors.Is(err, errors.CodeBadRequest))

	_, err = f.uc.SendMessage(ctx, f.buyer, SendMessageInput{ConversationID: c.ID, Content: "hi", Type: "sticker"})
	assert.True(t, errors.Is(err, errors.CodeBadRequest))

	_, err = f.uc.SendMessage(ctx, f.buyer, SendMessageInput{ConversationID: c.ID, Content: "hi", ReplyToID: "nope"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.uc.SendMessage(ctx, f.buyer, SendMessageInput{ConversationID: "missing", Content: "hi"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	assert.Empty(t, f.notifier.sent, "failed sends never broadcast")
}

func TestSendMessageWithListingReference(t *testing.T) {
	f := newFixture(t)
	c := f.direct(t)

	m, err := f.uc.SendMessage(context.Background(), f.seller, SendMessageInput{
		ConversationID: c.ID,
		Type:           entity.MessageTypeListing,
		ListingID:      "L1",
	})
	require.NoError(t, err)
	require.NotNil(t, m.ListingRef)
	assert.Equal(t, "Vintage Bicycle", m.ListingRef.Title)
}

func TestSendMessageSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	c := f.direct(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := f.uc.SendMessage(ctx, f.buyer, SendMessageInput{ConversationID: c.ID, Content: "still saved"})
	require.NoError(t, err)

	stored, err := f.repo.GetMessage(context.Background(), c.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "still saved", stored.Content)
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newFixture(t)
	limiter := ratelimit.NewRateLimiter(ratelimit.WithRules(map[string]ratelimit.Rule{
		ratelimit.ActionSendMessage: {Burst: 1, Interval: time.Hour},
	}))
	uc := NewConversationUseCase(f.repo, f.listings, f.reconciler, f.unread, f.tracker, f.notifier, limiter)
	c := f.direct(t)

	_, err := uc.SendMessage(context.Background(), f.buyer, SendMessageInput{ConversationID: c.ID, Content: "one"})
	require.NoError(t, err)
	_, err = uc.SendMessage(context.Background(), f.buyer, SendMessageInput{ConversationID: c.ID, Content: "two"})
	assert.True(t, errors.Is(err, errors.CodeTooManyRequests))
}

func TestSendMessageStopsSenderTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	require.NoError(t, f.uc.SetTyping(ctx, f.buyer, c.ID, true))
	assert.Len(t, f.tracker.Users(c.ID), 1)

	f.send(t, f.buyer, c.ID, "done typing")

	assert.Empty(t, f.tracker.Users(c.ID))
	require.Len(t, f.notifier.typing, 2)
	assert.True(t, f.notifier.typing[0].isTyping)
	assert.False(t, f.notifier.typing[1].isTyping)
}

func TestGetMessagesReturnsChronologicalPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, f.repo.CreateMessage(ctx, &entity.Message{
			ConversationID: c.ID,
			SenderID:       "b1",
			Content:        content,
			Type:           entity.MessageTypeText,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, total, err := f.uc.GetMessages(ctx, c.ID, "s1", 3, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, page, 3)
	assert.Equal(t, "two", page[0].Content)
	assert.Equal(t, "three", page[1].Content)
	assert.Equal(t, "four", page[2].Content)

	older, _, err := f.uc.GetMessages(ctx, c.ID, "s1", 3, 3)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "one", older[0].Content)

	_, _, err = f.uc.GetMessages(ctx, c.ID, "x1", 10, 0)
	assert.True(t, errors.Is(err, errors.CodeForbidden))
}

func TestMarkReadClearsUnreadAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	m1 := f.send(t, f.buyer, c.ID, "first")
	m2 := f.send(t, f.buyer, c.ID, "second")
	f.send(t, f.seller, c.ID, "reply")

	before, err := f.uc.GetConversation(ctx, c.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, before.UnreadCount)

	res, err := f.uc.MarkRead(ctx, c.ID, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.UnreadCount)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, res.MessageIDs)

	for _, id := range []string{m1.ID, m2.ID} {
		m, err := f.repo.GetMessage(ctx, c.ID, id)
		require.NoError(t, err)
		assert.True(t, m.IsRead)
		assert.ElementsMatch(t, []string{"b1", "s1"}, m.ReadBy)
	}

	after, err := f.uc.GetConversation(ctx, c.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, after.UnreadCount)
	require.Len(t, f.notifier.read, 1)

	again, err := f.uc.MarkRead(ctx, c.ID, "s1", nil)
	require.NoError(t, err)
	assert.Empty(t, again.MessageIDs)
	assert.Equal(t, 0, again.UnreadCount)
	assert.Len(t, f.notifier.read, 1, "second mark read is a no-op")

	buyerView, err := f.uc.GetConversation(ctx, c.ID, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, buyerView.UnreadCount)
}

func TestMarkReadSelectedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	m1 := f.send(t, f.buyer, c.ID, "first")
	f.send(t, f.buyer, c.ID, "second")

	res, err := f.uc.MarkRead(ctx, c.ID, "s1", []string{m1.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, res.MessageIDs)
	assert.Equal(t, 1, res.UnreadCount)
}

func TestMarkReadRepairsDriftedCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	f.send(t, f.buyer, c.ID, "only one")
	_, err := f.repo.IncrementUnread(ctx, c.ID, "b1")
	require.NoError(t, err)

	drifted, err := f.repo.GetParticipant(ctx, c.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, drifted.UnreadCount)

	res, err := f.uc.MarkRead(ctx, c.ID, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.UnreadCount)
}

func TestListConversationsFiltersAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	direct := f.direct(t)
	listing, _, err := f.uc.FindOrCreateForListing(ctx, f.buyer, "L1")
	require.NoError(t, err)
	withOther, _, err := f.uc.CreateConversation(ctx, f.other, CreateConversationInput{ParticipantIDs: []string{"s1"}})
	require.NoError(t, err)
	f.send(t, f.other, withOther.ID, "is the price negotiable?")

	all, total, err := f.uc.ListConversations(ctx, "s1", ListConversationsInput{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, all, 3)

	byListing, _, err := f.uc.ListConversations(ctx, "s1", ListConversationsInput{ListingID: "L1"})
	require.NoError(t, err)
	require.Len(t, byListing, 1)
	assert.Equal(t, listing.ID, byListing[0].ID)

	unread, _, err := f.uc.ListConversations(ctx, "s1", ListConversationsInput{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	byName, _, err := f.uc.ListConversations(ctx, "s1", ListConversationsInput{Search: "xena"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, withOther.ID, byName[0].ID)

	byTitle, _, err := f.uc.ListConversations(ctx, "s1", ListConversationsInput{Search: "bicycle"})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, listing.ID, byTitle[0].ID)

	byContent, _, err := f.uc.ListConversations(ctx, "s1", ListConversationsInput{Search: "NEGOTIABLE"})
	require.NoError(t, err)
	assert.Len(t, byContent, 1)

	paged, total, err := f.uc.ListConversations(ctx, "s1", ListConversationsInput{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, paged, 1)

	outsider, _, err := f.uc.ListConversations(ctx, "b1", ListConversationsInput{})
	require.NoError(t, err)
	assert.Len(t, outsider, 2)
	_ = direct
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.direct(t)
	_, _, err := f.uc.FindOrCreateForListing(ctx, f.buyer, "L1")
	require.NoError(t, err)

	stats, err := f.uc.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalConversations)
	assert.Equal(t, 1, stats.UnreadConversations)
	assert.Equal(t, 1, stats.UnreadMessages)
}

func TestUpdateAndSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	subject := "Bike questions"
	updated, err := f.uc.UpdateConversation(ctx, c.ID, "b1", ConversationPatch{
		Subject:  &subject,
		Metadata: map[string]interface{}{"pinned": true},
	})
	require.NoError(t, err)
	assert.Equal(t, subject, updated.Subject)
	assert.Equal(t, true, updated.Metadata["pinned"])

	_, err = f.uc.UpdateConversation(ctx, c.ID, "x1", ConversationPatch{Subject: &subject})
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	assert.True(t, errors.Is(f.uc.SoftDelete(ctx, c.ID, "x1"), errors.CodeForbidden))
	require.NoError(t, f.uc.SoftDelete(ctx, c.ID, "b1"))
	assert.Equal(t, []string{c.ID + ":updated", c.ID + ":deleted"}, f.notifier.updated)

	_, err = f.uc.GetConversation(ctx, c.ID, "b1")
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	fresh := f.direct(t)
	assert.NotEqual(t, c.ID, fresh.ID, "soft delete frees the pair")
}

func TestSendMessageDoesNotReviveConcurrentlyDeletedConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	var replacement *entity.Conversation
	hooked := &hookedRepository{MemoryConversationRepository: f.repo}
	hooked.beforeCreateMessage = func() {
		require.NoError(t, f.uc.SoftDelete(ctx, c.ID, "s1"))
		var err error
		replacement, _, err = f.uc.CreateConversation(ctx, f.seller, CreateConversationInput{ParticipantIDs: []string{"b1"}})
		require.NoError(t, err)
	}
	uc := f.useCaseOver(hooked)

	_, err := uc.SendMessage(ctx, f.buyer, SendMessageInput{ConversationID: c.ID, Content: "still there?"})
	require.NoError(t, err)

	active, err := f.repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, replacement.ID, active[0].ID)

	stored, err := f.repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.LastMessage)

	found, err := f.reconciler.FindExisting(ctx, []string{"b1", "s1"}, "")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, found.ID)
}

func TestSendMessageKeepsNewestLastMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	var newer *entity.Message
	hooked := &hookedRepository{MemoryConversationRepository: f.repo}
	hooked.afterCreateMessage = func() {
		time.Sleep(time.Millisecond)
		newer = f.send(t, f.seller, c.ID, "newer")
	}
	uc := f.useCaseOver(hooked)

	_, err := uc.SendMessage(ctx, f.buyer, SendMessageInput{ConversationID: c.ID, Content: "older"})
	require.NoError(t, err)

	stored, err := f.repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastMessage)
	assert.Equal(t, newer.ID, stored.LastMessage.ID)
	assert.Equal(t, "newer", stored.LastMessage.Content)
}

func TestUpdateConversationAfterDeleteIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	subject := "late edit"
	hooked := &hookedRepository{MemoryConversationRepository: f.repo}
	uc := f.useCaseOver(hooked)
	hooked.beforeUpdateDetails = func() {
		require.NoError(t, f.uc.SoftDelete(ctx, c.ID, "s1"))
	}

	_, err := uc.UpdateConversation(ctx, c.ID, "b1", ConversationPatch{Subject: &subject})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	stored, err := f.repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.Subject)
}

func TestSetTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	assert.True(t, errors.Is(f.uc.SetTyping(ctx, f.other, c.ID, true), errors.CodeForbidden))

	require.NoError(t, f.uc.SetTyping(ctx, f.buyer, c.ID, true))
	users, err := f.uc.TypingUsers(ctx, c.ID, "s1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Bima", users[0].DisplayName)

	require.NoError(t, f.uc.SetTyping(ctx, f.buyer, c.ID, false))
	require.NoError(t, f.uc.SetTyping(ctx, f.buyer, c.ID, false))
	assert.Len(t, f.notifier.typing, 2, "stopping twice notifies once")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	st, err := f.uc.Status(ctx, c.ID, "x1")
	require.NoError(t, err)
	assert.Equal(t, &ConversationStatus{ConversationID: c.ID}, st, "an outsider sees the same answer as for a missing id")

	st, err = f.uc.Status(ctx, c.ID, "b1")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.IsActive)
	assert.True(t, st.IsParticipant)
	assert.Equal(t, []string{"b1", "s1"}, st.ParticipantIDs)

	st, err = f.uc.Status(ctx, "missing", "b1")
	require.NoError(t, err)
	assert.False(t, st.Exists)
}

func TestMirrorPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.direct(t)

	f.uc.MirrorPresence(ctx, "s1", []string{c.ID, "missing"}, true)

	p, err := f.repo.GetParticipant(ctx, c.ID, "s1")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.False(t, p.LastSeen.IsZero())
}

func TestWithReadRetry(t *testing.T) {
	calls := 0
	err := withReadRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.Transient("flaky", nil)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = withReadRetry(context.Background(), func() error {
		calls++
		return errors.Forbidden("no", nil)
	})
	assert.True(t, errors.Is(err, errors.CodeForbidden))
	assert.Equal(t, 1, calls)
}
