package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

const (
	conversationsCollection = "conversations"
	participantsCollection  = "participants"
	messagesCollection      = "messages"
	keysCollection          = "conversation_keys"
)

type firestoreConversationRepository struct {
	client *firestore.Client
}

func NewFirestoreConversationRepository(client *firestore.Client) repository.ConversationRepository {
	return &firestoreConversationRepository{
		client: client,
	}
}

func (r *firestoreConversationRepository) conversationRef(id string) *firestore.DocumentRef {
	return r.client.Collection(conversationsCollection).Doc(id)
}

func (r *firestoreConversationRepository) participantRef(conversationID, userID string) *firestore.DocumentRef {
	return r.conversationRef(conversationID).Collection(participantsCollection).Doc(userID)
}

func (r *firestoreConversationRepository) messages(conversationID string) *firestore.CollectionRef {
	return r.conversationRef(conversationID).Collection(messagesCollection)
}

// keyRef addresses the guard document that holds a dedupe key for one active conversation.
func (r *firestoreConversationRepository) keyRef(dedupeKey string) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(dedupeKey))
	return r.client.Collection(keysCollection).Doc(hex.EncodeToString(sum[:]))
}

type keyHolder struct {
	ConversationID string    `firestore:"conversationId"`
	DedupeKey      string    `firestore:"dedupeKey"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

func (r *firestoreConversationRepository) Create(ctx context.Context, conversation *entity.Conversation, participants []*entity.Participant) error {
	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	conversation.ParticipantIDs = entity.SortedParticipantIDs(conversation.ParticipantIDs)
	conversation.DedupeKey = entity.DedupeKey(conversation.ParticipantIDs, conversation.ListingID)

	now := time.Now()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	if conversation.UpdatedAt.IsZero() {
		conversation.UpdatedAt = conversation.CreatedAt
	}
	for _, p := range participants {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.ConversationID = conversation.ID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
	}

	keyRef := r.keyRef(conversation.DedupeKey)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if conversation.IsActive {
			doc, err := tx.Get(keyRef)
			if err == nil && doc.Exists() {
				var holder keyHolder
				_ = doc.DataTo(&holder)
				return errors.Conflict("An active conversation already exists for these participants: " + holder.ConversationID)
			}
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}

			if err := tx.Create(keyRef, keyHolder{
				ConversationID: conversation.ID,
				DedupeKey:      conversation.DedupeKey,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		if err := tx.Set(r.conversationRef(conversation.ID), conversation); err != nil {
			return err
		}
		for _, p := range participants {
			if err := tx.Set(r.participantRef(conversation.ID, p.UserID), p); err != nil {
				return err
			}
		}
		return nil
	})
	return storeError("Conversation", "create conversation", err)
}

func (r *firestoreConversationRepository) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	doc, err := r.conversationRef(id).Get(ctx)
	if err != nil {
		return nil, storeError("Conversation", "get conversation", err)
	}

	var conversation entity.Conversation
	if err := doc.DataTo(&conversation); err != nil {
		return nil, errors.Internal("Failed to parse conversation data", err)
	}
	conversation.ID = doc.Ref.ID
	return &conversation, nil
}

func (r *firestoreConversationRepository) ListByUserID(ctx context.Context, userID string, filter repository.ConversationFilter) ([]*entity.Conversation, error) {
	query := r.client.Collection(conversationsCollection).
		Where("participantIds", "array-contains", userID).
		OrderBy("updatedAt", firestore.Desc)

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		logger.Error("Firestore error while fetching conversations for user %s: %v", userID, err)
		return nil, storeError("Conversation", "list conversations", err)
	}

	var out []*entity.Conversation
	for _, doc := range docs {
		var conversation entity.Conversation
		if err := doc.DataTo(&conversation); err != nil {
			logger.Warn("Error parsing conversation %s for user %s: %v", doc.Ref.ID, userID, err)
			continue
		}
		conversation.ID = doc.Ref.ID
		if !conversation.IsActive && !filter.IncludeInactive {
			continue
		}
		if filter.ListingID != "" && conversation.ListingID != filter.ListingID {
			continue
		}
		out = append(out, &conversation)
	}
	return out, nil
}

func (r *firestoreConversationRepository) ListActive(ctx context.Context) ([]*entity.Conversation, error) {
	iter := r.client.Collection(conversationsCollection).Where("isActive", "==", true).Documents(ctx)
	defer iter.Stop()

	var out []*entity.Conversation
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storeError("Conversation", "list active conversations", err)
		}
		var conversation entity.Conversation
		if err := doc.DataTo(&conversation); err != nil {
			logger.Warn("Error parsing conversation %s: %v", doc.Ref.ID, err)
			continue
		}
		conversation.ID = doc.Ref.ID
		out = append(out, &conversation)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *firestoreConversationRepository) FindByParticipants(ctx context.Context, participantIDs []string, listingID string) (*entity.Conversation, error) {
	key := entity.DedupeKey(participantIDs, listingID)
	query := r.client.Collection(conversationsCollection).
		Where("dedupeKey", "==", key).
		Where("isActive", "==", true)

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, storeError("Conversation", "find conversation", err)
	}

	var found *entity.Conversation
	for _, doc := range docs {
		var conversation entity.Conversation
		if err := doc.DataTo(&conversation); err != nil {
			continue
		}
		conversation.ID = doc.Ref.ID
		if found == nil || conversation.CreatedAt.Before(found.CreatedAt) {
			c := conversation
			found = &c
		}
	}
	if found == nil {
		return nil, errors.NotFound("Conversation", nil)
	}
	return found, nil
}

// getInTx reads the stored conversation inside tx.
func (r *firestoreConversationRepository) getInTx(tx *firestore.Transaction, id string) (*entity.Conversation, error) {
	doc, err := tx.Get(r.conversationRef(id))
	if err != nil {
		return nil, err
	}
	var conversation entity.Conversation
	if err := doc.DataTo(&conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

// keyHolderInTx reads the dedupe key guard inside tx. A missing guard is not an error.
func (r *firestoreConversationRepository) keyHolderInTx(tx *firestore.Transaction, key string) (*keyHolder, error) {
	doc, err := tx.Get(r.keyRef(key))
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var holder keyHolder
	if err := doc.DataTo(&holder); err != nil {
		return nil, err
	}
	return &holder, nil
}

func (r *firestoreConversationRepository) UpdateLastMessage(ctx context.Context, conversationID string, last *entity.LastMessage) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, err := r.getInTx(tx, conversationID)
		if err != nil {
			return err
		}
		if !stored.IsActive || !replacesLastMessage(stored.LastMessage, last) {
			return nil
		}
		return tx.Update(r.conversationRef(conversationID), []firestore.Update{
			{Path: "lastMessage", Value: last},
			{Path: "updatedAt", Value: time.Now()},
		})
	})
	return storeError("Conversation", "update last message", err)
}

func (r *firestoreConversationRepository) UpdateDetails(ctx context.Context, conversationID string, subject *string, metadata map[string]interface{}) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, err := r.getInTx(tx, conversationID)
		if err != nil {
			return err
		}
		if !stored.IsActive {
			return errors.NotFound("Conversation", nil)
		}

		updates := []firestore.Update{{Path: "updatedAt", Value: time.Now()}}
		if subject != nil {
			updates = append(updates, firestore.Update{Path: "subject", Value: *subject})
		}
		for k, v := range metadata {
			updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{"metadata", k}, Value: v})
		}
		return tx.Update(r.conversationRef(conversationID), updates)
	})
	return storeError("Conversation", "update conversation", err)
}

func (r *firestoreConversationRepository) SoftDelete(ctx context.Context, id string) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, err := r.getInTx(tx, id)
		if err != nil {
			return err
		}
		if !stored.IsActive {
			return nil
		}
		holder, err := r.keyHolderInTx(tx, stored.DedupeKey)
		if err != nil {
			return err
		}

		if err := tx.Update(r.conversationRef(id), []firestore.Update{
			{Path: "isActive", Value: false},
			{Path: "updatedAt", Value: time.Now()},
		}); err != nil {
			return err
		}
		if holder != nil && holder.ConversationID == id {
			return tx.Delete(r.keyRef(stored.DedupeKey))
		}
		return nil
	})
	return storeError("Conversation", "delete conversation", err)
}

func (r *firestoreConversationRepository) ClaimKey(ctx context.Context, id string) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, err := r.getInTx(tx, id)
		if err != nil {
			return err
		}
		if !stored.IsActive {
			return nil
		}
		holder, err := r.keyHolderInTx(tx, stored.DedupeKey)
		if err != nil || holder != nil {
			return err
		}
		return tx.Create(r.keyRef(stored.DedupeKey), keyHolder{
			ConversationID: id,
			DedupeKey:      stored.DedupeKey,
			CreatedAt:      time.Now(),
		})
	})
	return storeError("Conversation", "claim dedupe key", err)
}

func (r *firestoreConversationRepository) Delete(ctx context.Context, id string) error {
	conversation, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	bw := r.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	for _, sub := range []string{messagesCollection, participantsCollection} {
		refs, err := r.conversationRef(id).Collection(sub).DocumentRefs(ctx).GetAll()
		if err != nil {
			bw.End()
			return storeError("Conversation", "list "+sub+" for delete", err)
		}
		for _, ref := range refs {
			job, err := bw.Delete(ref)
			if err != nil {
				bw.End()
				return errors.Internal("Failed to queue delete", err)
			}
			jobs = append(jobs, job)
		}
	}

	job, err := bw.Delete(r.conversationRef(id))
	if err != nil {
		bw.End()
		return errors.Internal("Failed to queue delete", err)
	}
	jobs = append(jobs, job)
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return storeError("Conversation", "delete conversation", err)
		}
	}

	if conversation.IsActive {
		keyRef := r.keyRef(conversation.DedupeKey)
		doc, err := keyRef.Get(ctx)
		if err == nil && doc.Exists() {
			var holder keyHolder
			if err := doc.DataTo(&holder); err == nil && holder.ConversationID == id {
				if _, err := keyRef.Delete(ctx); err != nil {
					logger.Error("Delete Error: failed to release dedupe key of %s: %v", id, err)
				}
			}
		}
	}
	return nil
}

func (r *firestoreConversationRepository) GetParticipants(ctx context.Context, conversationID string) ([]*entity.Participant, error) {
	docs, err := r.conversationRef(conversationID).Collection(participantsCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, storeError("Participant", "get participants", err)
	}

	out := make([]*entity.Participant, 0, len(docs))
	for _, doc := range docs {
		var p entity.Participant
		if err := doc.DataTo(&p); err != nil {
			return nil, errors.Internal("Failed to parse participant data", err)
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *firestoreConversationRepository) GetParticipant(ctx context.Context, conversationID, userID string) (*entity.Participant, error) {
	doc, err := r.participantRef(conversationID, userID).Get(ctx)
	if err != nil {
		return nil, storeError("Participant", "get participant", err)
	}

	var p entity.Participant
	if err := doc.DataTo(&p); err != nil {
		return nil, errors.Internal("Failed to parse participant data", err)
	}
	return &p, nil
}

func (r *firestoreConversationRepository) UpdatePresence(ctx context.Context, conversationID, userID string, online bool, lastSeen time.Time) error {
	_, err := r.participantRef(conversationID, userID).Update(ctx, []firestore.Update{
		{Path: "isOnline", Value: online},
		{Path: "lastSeen", Value: lastSeen},
	})
	return storeError("Participant", "update presence", err)
}

func (r *firestoreConversationRepository) CreateMessage(ctx context.Context, message *entity.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	_, err := r.messages(message.ConversationID).Doc(message.ID).Set(ctx, message)
	return storeError("Message", "create message", err)
}

func (r *firestoreConversationRepository) GetMessage(ctx context.Context, conversationID, messageID string) (*entity.Message, error) {
	doc, err := r.messages(conversationID).Doc(messageID).Get(ctx)
	if err != nil {
		return nil, storeError("Message", "get message", err)
	}

	var message entity.Message
	if err := doc.DataTo(&message); err != nil {
		return nil, errors.Internal("Failed to parse message data", err)
	}
	return &message, nil
}

func (r *firestoreConversationRepository) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, int64, error) {
	query := r.messages(conversationID).OrderBy("createdAt", firestore.Desc)

	total, err := r.countMessages(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var messages []*entity.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			logger.Error("Firestore error while iterating messages for conversation %s: %v", conversationID, err)
			return nil, 0, storeError("Message", "iterate messages", err)
		}

		var message entity.Message
		if err := doc.DataTo(&message); err != nil {
			return nil, 0, errors.Internal("Failed to parse message data", err)
		}
		messages = append(messages, &message)
	}
	return messages, total, nil
}

func (r *firestoreConversationRepository) countMessages(ctx context.Context, conversationID string) (int64, error) {
	result, err := r.messages(conversationID).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, storeError("Message", "count messages", err)
	}

	count, ok := result["all"]
	if !ok {
		return 0, errors.Internal("Message count missing from aggregation result", nil)
	}
	value, ok := count.(*firestorepb.Value)
	if !ok {
		return 0, errors.Internal("Unexpected message count type", nil)
	}
	return value.GetIntegerValue(), nil
}

func (r *firestoreConversationRepository) ListAllMessages(ctx context.Context, conversationID string) ([]*entity.Message, error) {
	docs, err := r.messages(conversationID).OrderBy("createdAt", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, storeError("Message", "list messages", err)
	}

	out := make([]*entity.Message, 0, len(docs))
	for _, doc := range docs {
		var message entity.Message
		if err := doc.DataTo(&message); err != nil {
			return nil, errors.Internal("Failed to parse message data", err)
		}
		out = append(out, &message)
	}
	return out, nil
}

func (r *firestoreConversationRepository) MarkMessagesRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	var updated []string

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		updated = updated[:0]

		var docs []*firestore.DocumentSnapshot
		var err error
		if len(messageIDs) > 0 {
			refs := make([]*firestore.DocumentRef, 0, len(messageIDs))
			for _, id := range messageIDs {
				refs = append(refs, r.messages(conversationID).Doc(id))
			}
			docs, err = tx.GetAll(refs)
		} else {
			docs, err = tx.Documents(r.messages(conversationID).Where("isRead", "==", false)).GetAll()
		}
		if err != nil {
			return err
		}

		for _, doc := range docs {
			if !doc.Exists() {
				continue
			}
			var message entity.Message
			if err := doc.DataTo(&message); err != nil {
				return err
			}
			if message.SenderID == readerID || (message.IsRead && message.IsReadBy(readerID)) {
				continue
			}
			if err := tx.Update(doc.Ref, []firestore.Update{
				{Path: "isRead", Value: true},
				{Path: "readBy", Value: firestore.ArrayUnion(readerID)},
			}); err != nil {
				return err
			}
			updated = append(updated, message.ID)
		}
		return nil
	})
	if err != nil {
		return nil, storeError("Message", "mark messages read", err)
	}
	return updated, nil
}

func (r *firestoreConversationRepository) ReassignMessages(ctx context.Context, fromID, toID string) (int, error) {
	messages, err := r.ListAllMessages(ctx, fromID)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(messages)*2)
	for _, message := range messages {
		message.ConversationID = toID
		job, err := bw.Set(r.messages(toID).Doc(message.ID), message)
		if err != nil {
			bw.End()
			return 0, errors.Internal("Failed to queue message move", err)
		}
		jobs = append(jobs, job)

		job, err = bw.Delete(r.messages(fromID).Doc(message.ID))
		if err != nil {
			bw.End()
			return 0, errors.Internal("Failed to queue message delete", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return 0, storeError("Message", "reassign messages", err)
		}
	}
	return len(messages), nil
}

func (r *firestoreConversationRepository) RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	ref := r.participantRef(conversationID, userID)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return err
		}

		docs, err := tx.Documents(r.messages(conversationID).Where("isRead", "==", false)).GetAll()
		if err != nil {
			return err
		}

		count = 0
		for _, doc := range docs {
			var message entity.Message
			if err := doc.DataTo(&message); err != nil {
				return err
			}
			if message.IsUnreadFor(userID) {
				count++
			}
		}
		return tx.Update(ref, []firestore.Update{{Path: "unreadCount", Value: count}})
	})
	if err != nil {
		return 0, storeError("Participant", "recompute unread count", err)
	}
	return count, nil
}

func (r *firestoreConversationRepository) IncrementUnread(ctx context.Context, conversationID, senderID string) (map[string]int, error) {
	var counts map[string]int
	participants := r.conversationRef(conversationID).Collection(participantsCollection)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		counts = make(map[string]int)
		docs, err := tx.Documents(participants).GetAll()
		if err != nil {
			return err
		}

		for _, doc := range docs {
			var p entity.Participant
			if err := doc.DataTo(&p); err != nil {
				return err
			}
			if p.UserID == senderID {
				continue
			}
			next := p.UnreadCount + 1
			if next < 1 {
				next = 1
			}
			if err := tx.Update(doc.Ref, []firestore.Update{{Path: "unreadCount", Value: next}}); err != nil {
				return err
			}
			counts[p.UserID] = next
		}
		return nil
	})
	if err != nil {
		return nil, storeError("Participant", "increment unread counts", err)
	}
	return counts, nil
}
