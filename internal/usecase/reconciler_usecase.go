package usecase

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// ReconcilerUseCase owns the one-active-conversation-per-pair rule: it finds or
// creates conversations and merges duplicates offline.
type ReconcilerUseCase struct {
	repo     repository.ConversationRepository
	users    repository.UserRepository
	listings repository.ListingRepository
	unread   *UnreadUseCase
	notifier Notifier
	group    singleflight.Group
}

func NewReconcilerUseCase(
	repo repository.ConversationRepository,
	users repository.UserRepository,
	listings repository.ListingRepository,
	unread *UnreadUseCase,
	notifier Notifier,
) *ReconcilerUseCase {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ReconcilerUseCase{
		repo:     repo,
		users:    users,
		listings: listings,
		unread:   unread,
		notifier: notifier,
	}
}

type CreateConversationInput struct {
	ParticipantIDs []string
	ListingID      string
	Subject        string
	Type           string
}

type conversationDraft struct {
	actor   *entity.User
	users   []*entity.User
	listing *entity.Listing
	subject string
	kind    string
}

type ensureResult struct {
	conversation *entity.Conversation
	created      bool
}

// FindExisting returns the active conversation for exactly two participants and
// an optional listing.
func (uc *ReconcilerUseCase) FindExisting(ctx context.Context, participantIDs []string, listingID string) (*entity.Conversation, error) {
	ids := entity.SortedParticipantIDs(participantIDs)
	if len(ids) != 2 {
		return nil, errors.Unsupported("Conversations support exactly two participants")
	}
	return uc.repo.FindByParticipants(ctx, ids, listingID)
}

// FindOrCreateConversation opens the buyer's conversation with the listing's
// seller, creating it with a listing card as its first message when needed.
func (uc *ReconcilerUseCase) FindOrCreateConversation(ctx context.Context, listingID string, buyer *entity.Identity) (*entity.Conversation, bool, error) {
	listing, err := uc.listings.GetByID(ctx, listingID)
	if err != nil {
		logger.Error("FindOrCreateConversation Error: listing %s: %v", listingID, err)
		return nil, false, err
	}

	if listing.UserID == buyer.UserID {
		return nil, false, errors.BadRequest("You cannot start a conversation on your own listing", nil)
	}

	buyerUser, err := uc.actorUser(ctx, buyer)
	if err != nil {
		return nil, false, err
	}
	seller, err := uc.users.GetByID(ctx, listing.UserID)
	if err != nil {
		logger.Error("FindOrCreateConversation Error: seller %s of listing %s: %v", listing.UserID, listingID, err)
		return nil, false, err
	}

	return uc.ensure(ctx, conversationDraft{
		actor:   buyerUser,
		users:   []*entity.User{buyerUser, seller},
		listing: listing,
		kind:    entity.ConversationTypeListing,
	})
}

// CreateConversation is the explicit create path. The actor is always a
// participant; anything other than two participants in total is rejected.
func (uc *ReconcilerUseCase) CreateConversation(ctx context.Context, actor *entity.Identity, input CreateConversationInput) (*entity.Conversation, bool, error) {
	ids := entity.SortedParticipantIDs(append(append([]string{}, input.ParticipantIDs...), actor.UserID))
	if len(ids) > 2 {
		return nil, false, errors.Unsupported("Conversations support exactly two participants")
	}
	if len(ids) < 2 {
		return nil, false, errors.BadRequest("You cannot start a conversation with yourself", nil)
	}

	actorUser, err := uc.actorUser(ctx, actor)
	if err != nil {
		return nil, false, err
	}

	users := make([]*entity.User, 0, 2)
	for _, id := range ids {
		if id == actor.UserID {
			users = append(users, actorUser)
			continue
		}
		u, err := uc.users.GetByID(ctx, id)
		if err != nil {
			logger.Error("CreateConversation Error: recipient %s: %v", id, err)
			return nil, false, err
		}
		users = append(users, u)
	}

	draft := conversationDraft{
		actor:   actorUser,
		users:   users,
		subject: input.Subject,
		kind:    input.Type,
	}

	if input.ListingID != "" {
		listing, err := uc.listings.GetByID(ctx, input.ListingID)
		if err != nil {
			return nil, false, err
		}
		if listing.UserID != ids[0] && listing.UserID != ids[1] {
			return nil, false, errors.BadRequest("The listing owner must be a participant", nil)
		}
		draft.listing = listing
		draft.kind = entity.ConversationTypeListing
	}

	switch draft.kind {
	case entity.ConversationTypeDirect, entity.ConversationTypeListing, entity.ConversationTypeSupport:
	case "":
		draft.kind = entity.ConversationTypeDirect
	default:
		return nil, false, errors.BadRequest(fmt.Sprintf("Unknown conversation type %q", input.Type), nil)
	}

	return uc.ensure(ctx, draft)
}

// ensure collapses concurrent calls for the same key into one lookup-or-create.
func (uc *ReconcilerUseCase) ensure(ctx context.Context, draft conversationDraft) (*entity.Conversation, bool, error) {
	ids := make([]string, 0, len(draft.users))
	for _, u := range draft.users {
		ids = append(ids, u.ID)
	}
	listingID := ""
	if draft.listing != nil {
		listingID = draft.listing.ID
	}
	key := entity.DedupeKey(ids, listingID)

	v, err, _ := uc.group.Do(key, func() (interface{}, error) {
		return uc.findOrCreate(context.WithoutCancel(ctx), ids, listingID, draft)
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(*ensureResult)
	conversation := *res.conversation
	return &conversation, res.created, nil
}

func (uc *ReconcilerUseCase) findOrCreate(ctx context.Context, ids []string, listingID string, draft conversationDraft) (*ensureResult, error) {
	existing, err := uc.repo.FindByParticipants(ctx, ids, listingID)
	if err == nil {
		if err := uc.repairSeed(ctx, existing, draft); err != nil {
			return nil, err
		}
		return &ensureResult{conversation: existing}, nil
	}
	if !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}

	conversation, participants := buildConversation(draft)
	if err := uc.repo.Create(ctx, conversation, participants); err != nil {
		if errors.Is(err, errors.CodeConflict) {
			existing, findErr := uc.repo.FindByParticipants(ctx, ids, listingID)
			if findErr != nil {
				return nil, findErr
			}
			return &ensureResult{conversation: existing}, nil
		}
		logger.Error("CreateConversation Error: failed to persist conversation for %v: %v", ids, err)
		return nil, err
	}

	if draft.listing != nil {
		if err := uc.seedListingMessage(ctx, conversation, draft); err != nil {
			return nil, err
		}
	}

	conversation.Participants = participants
	logger.Info("Conversation created: id=%s, key=%s", conversation.ID, conversation.DedupeKey)
	uc.notifier.ConversationCreated(ctx, conversation, draft.actor.ID)

	return &ensureResult{conversation: conversation, created: true}, nil
}

// repairSeed finishes a listing conversation whose first message never landed.
// A seed that was written without its pointer only gets the pointer moved.
func (uc *ReconcilerUseCase) repairSeed(ctx context.Context, conversation *entity.Conversation, draft conversationDraft) error {
	if draft.listing == nil || conversation.LastMessage != nil {
		return nil
	}

	newest, total, err := uc.repo.GetMessages(ctx, conversation.ID, 1, 0)
	if err != nil {
		return err
	}
	if total == 0 {
		logger.Warn("FindOrCreate: seeding empty listing conversation %s", conversation.ID)
		return uc.seedListingMessage(ctx, conversation, draft)
	}

	conversation.LastMessage = summarize(newest[0])
	return uc.repo.UpdateLastMessage(ctx, conversation.ID, conversation.LastMessage)
}

// seedListingMessage writes the listing card that opens every listing conversation.
func (uc *ReconcilerUseCase) seedListingMessage(ctx context.Context, conversation *entity.Conversation, draft conversationDraft) error {
	message := &entity.Message{
		ConversationID: conversation.ID,
		SenderID:       draft.actor.ID,
		Content:        fmt.Sprintf("Hi, I'm interested in %s", draft.listing.Title),
		Type:           entity.MessageTypeListing,
		ListingRef:     draft.listing.Snapshot(),
		ReadBy:         []string{draft.actor.ID},
	}
	if err := uc.repo.CreateMessage(ctx, message); err != nil {
		logger.Error("CreateConversation Error: failed to seed first message of %s: %v", conversation.ID, err)
		return err
	}

	conversation.LastMessage = summarize(message)
	if err := uc.repo.UpdateLastMessage(ctx, conversation.ID, conversation.LastMessage); err != nil {
		logger.Error("CreateConversation Error: failed to set last message of %s: %v", conversation.ID, err)
		return err
	}

	if _, err := uc.unread.IncrementForOthers(ctx, conversation.ID, draft.actor.ID); err != nil {
		logger.Error("CreateConversation Error: failed to count seed message of %s: %v", conversation.ID, err)
		return err
	}
	return nil
}

func (uc *ReconcilerUseCase) actorUser(ctx context.Context, identity *entity.Identity) (*entity.User, error) {
	u, err := uc.users.GetByID(ctx, identity.UserID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}
	// The session layer is trusted; a missing profile row is not fatal.
	return &entity.User{
		ID:        identity.UserID,
		Email:     identity.Email,
		Username:  identity.DisplayName,
		AvatarURL: identity.AvatarURL,
		Role:      identity.Role,
		Status:    identity.Status,
	}, nil
}

func buildConversation(draft conversationDraft) (*entity.Conversation, []*entity.Participant) {
	conversation := &entity.Conversation{
		Subject:  draft.subject,
		Type:     draft.kind,
		IsActive: true,
		Metadata: map[string]interface{}{},
	}

	participants := make([]*entity.Participant, 0, len(draft.users))
	snapshots := make([]interface{}, 0, len(draft.users))
	for _, u := range draft.users {
		conversation.ParticipantIDs = append(conversation.ParticipantIDs, u.ID)
		p := &entity.Participant{
			UserID:      u.ID,
			DisplayName: u.Username,
			AvatarURL:   u.AvatarURL,
			Role:        participantRole(u, draft),
		}
		participants = append(participants, p)
		snapshots = append(snapshots, map[string]interface{}{
			"user_id":      u.ID,
			"display_name": u.Username,
			"avatar_url":   u.AvatarURL,
			"role":         p.Role,
		})
	}
	conversation.Metadata["participants"] = snapshots

	if draft.listing != nil {
		conversation.ListingID = draft.listing.ID
		conversation.Metadata["listing"] = draft.listing.Snapshot().Map()
		if conversation.Subject == "" {
			conversation.Subject = draft.listing.Title
		}
	}
	return conversation, participants
}

// participantRole gives a listing conversation exactly one buyer and one seller.
func participantRole(u *entity.User, draft conversationDraft) string {
	if draft.listing != nil {
		if u.ID == draft.listing.UserID {
			return entity.RoleSeller
		}
		return entity.RoleBuyer
	}
	if u.Role == entity.RoleAdmin {
		return entity.RoleAdmin
	}
	if u.ID == draft.actor.ID {
		return entity.RoleBuyer
	}
	return entity.RoleSeller
}

func summarize(m *entity.Message) *entity.LastMessage {
	return &entity.LastMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}

type MergeResult struct {
	Key           string   `json:"key"`
	SurvivorID    string   `json:"survivor_id"`
	RemovedIDs    []string `json:"removed_ids"`
	MessagesMoved int      `json:"messages_moved"`
}

type CleanupReport struct {
	ConversationsScanned int           `json:"conversations_scanned"`
	DuplicateGroups      int           `json:"duplicate_groups"`
	ConversationsRemoved int           `json:"conversations_removed"`
	MessagesMoved        int           `json:"messages_moved"`
	Merges               []MergeResult `json:"merges"`
}

// CleanupDuplicates merges every group of active conversations sharing a dedupe
// key into its earliest member. It is an offline job; never call it from a
// request that creates conversations.
func (uc *ReconcilerUseCase) CleanupDuplicates(ctx context.Context) (*CleanupReport, error) {
	active, err := uc.repo.ListActive(ctx)
	if err != nil {
		logger.Error("CleanupDuplicates Error: failed to list active conversations: %v", err)
		return nil, err
	}

	groups := make(map[string][]*entity.Conversation)
	var keys []string
	for _, c := range active {
		key := entity.DedupeKey(c.ParticipantIDs, c.ListingID)
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], c)
	}
	sort.Strings(keys)

	report := &CleanupReport{ConversationsScanned: len(active), Merges: []MergeResult{}}
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		// Groups merge whole or not at all; cancellation is honoured between them.
		if err := ctx.Err(); err != nil {
			logger.Warn("CleanupDuplicates: stopped after %d groups: %v", report.DuplicateGroups, err)
			return report, errors.Transient("Cleanup was interrupted", err)
		}

		merge, err := uc.mergeGroup(ctx, key, group)
		if err != nil {
			logger.Error("CleanupDuplicates Error: failed to merge group %s: %v", key, err)
			return report, err
		}

		report.DuplicateGroups++
		report.ConversationsRemoved += len(merge.RemovedIDs)
		report.MessagesMoved += merge.MessagesMoved
		report.Merges = append(report.Merges, *merge)
	}

	logger.Info("CleanupDuplicates: scanned=%d, groups=%d, removed=%d, moved=%d",
		report.ConversationsScanned, report.DuplicateGroups, report.ConversationsRemoved, report.MessagesMoved)
	return report, nil
}

func (uc *ReconcilerUseCase) mergeGroup(ctx context.Context, key string, group []*entity.Conversation) (*MergeResult, error) {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].CreatedAt.Equal(group[j].CreatedAt) {
			return group[i].ID < group[j].ID
		}
		return group[i].CreatedAt.Before(group[j].CreatedAt)
	})

	survivor := group[0]
	merge := &MergeResult{Key: key, SurvivorID: survivor.ID, RemovedIDs: []string{}}

	for _, dup := range group[1:] {
		moved, err := uc.repo.ReassignMessages(ctx, dup.ID, survivor.ID)
		if err != nil {
			return nil, err
		}
		if err := uc.repo.Delete(ctx, dup.ID); err != nil {
			return nil, err
		}
		merge.MessagesMoved += moved
		merge.RemovedIDs = append(merge.RemovedIDs, dup.ID)
	}

	messages, err := uc.repo.ListAllMessages(ctx, survivor.ID)
	if err != nil {
		return nil, err
	}
	if len(messages) > 0 {
		survivor.LastMessage = summarize(messages[len(messages)-1])
		if err := uc.repo.UpdateLastMessage(ctx, survivor.ID, survivor.LastMessage); err != nil {
			return nil, err
		}
	}
	// Deleting the duplicates may have released the key the survivor shares.
	if err := uc.repo.ClaimKey(ctx, survivor.ID); err != nil {
		return nil, err
	}

	if _, err := uc.unread.RecomputeConversation(ctx, survivor); err != nil {
		return nil, err
	}
	return merge, nil
}
