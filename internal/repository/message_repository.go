package repository

import (
	"context"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/broker"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var messageColumns = newColumnSet(
	"id", "conversation_id", "sender_id", "reply_to_id", "kind",
	"is_read", "is_starred", "is_edited", "is_deleted_for_a", "is_deleted_for_b",
	"read_at", "created_at", "updated_at",
)

var messageWritable = newColumnSet("is_starred", "is_read", "read_at")

type MessageRepository struct {
	db        *gorm.DB
	publisher broker.ChangePublisher
}

func NewMessageRepository(db *gorm.DB, publisher broker.ChangePublisher) *MessageRepository {
	return &MessageRepository{db: db, publisher: publisher}
}

func (r *MessageRepository) Select(ctx context.Context, q Query) ([]models.Message, error) {
	tx, err := q.apply(r.db.WithContext(ctx).Model(&models.Message{}), messageColumns)
	if err != nil {
		return nil, err
	}

	var messages []models.Message
	if err := tx.Find(&messages).Error; err != nil {
		return nil, errors.Wrap(err, "messageRepo.Select")
	}
	return messages, nil
}

// ListByConversation returns every message of the conversation, oldest first,
// regardless of who deleted what.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	return r.Select(ctx, Query{
		Conditions: []Condition{Eq("conversation_id", conversationID)},
		OrderBy:    &OrderBy{Column: "created_at", Ascending: true},
	})
}

// GetByID returns nil, nil when the message does not exist.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "messageRepo.GetByID")
	}
	return &msg, nil
}

func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return errors.Wrap(err, "messageRepo.Insert")
	}

	r.publish(ctx, broker.ChangeEvent{
		Type:           broker.EventInsert,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		IsRead:         msg.IsRead,
	})
	return nil
}

// Update applies a partial row to one message.
func (r *MessageRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	for column := range fields {
		if !messageWritable.has(column) {
			return errors.Wrap(ErrUnknownColumn, column)
		}
	}

	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}

	if err := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return errors.Wrap(err, "messageRepo.Update")
	}

	r.publish(ctx, broker.ChangeEvent{
		Type:           broker.EventUpdate,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
	})
	return nil
}

// MarkRead flips every unread message in the conversation that was sent by
// someone other than viewerID and is still visible on side. Messages that
// are already read are left alone, so read_at is stamped once.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, viewerID string, side models.Side, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Where("sender_id <> ?", viewerID).
		Where("is_read = ?", false).
		Where(side.DeleteColumn()+" = ?", false).
		Updates(map[string]interface{}{
			"is_read": true,
			"read_at": at,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "messageRepo.MarkRead")
	}

	if res.RowsAffected > 0 {
		r.publish(ctx, broker.ChangeEvent{
			Type:           broker.EventUpdate,
			ConversationID: conversationID,
			IsRead:         true,
		})
	}
	return res.RowsAffected, nil
}

// SoftDeleteForSide hides one message from side. The other side's flag is
// never touched.
func (r *MessageRepository) SoftDeleteForSide(ctx context.Context, conversationID, messageID string, side models.Side) error {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Update(side.DeleteColumn(), true)
	if res.Error != nil {
		return errors.Wrap(res.Error, "messageRepo.SoftDeleteForSide")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	r.publish(ctx, broker.ChangeEvent{
		Type:           broker.EventUpdate,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	return nil
}

// SoftDeleteAllForSide hides every message of the conversation from side.
func (r *MessageRepository) SoftDeleteAllForSide(ctx context.Context, conversationID string, side models.Side) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Where(side.DeleteColumn()+" = ?", false).
		Update(side.DeleteColumn(), true)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "messageRepo.SoftDeleteAllForSide")
	}

	if res.RowsAffected > 0 {
		r.publish(ctx, broker.ChangeEvent{
			Type:           broker.EventUpdate,
			ConversationID: conversationID,
		})
	}
	return res.RowsAffected, nil
}

// publish resolves the conversation participants so the event reaches both
// of their channels.
func (r *MessageRepository) publish(ctx context.Context, event broker.ChangeEvent) {
	if r.publisher == nil {
		return
	}

	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Select("id", "participant_a_id", "participant_b_id").
		Where("id = ?", event.ConversationID).
		First(&conv).Error
	if err != nil {
		logger.Log.Warn("Message change not announced: conversation lookup failed",
			zap.String("conversation_id", event.ConversationID),
			zap.Error(err),
		)
		return
	}

	event.Table = broker.TableMessages
	event.Participants = []string{conv.ParticipantAID, conv.ParticipantBID}
	if err := r.publisher.Publish(ctx, event); err != nil {
		logger.Log.Warn("Message change not announced",
			zap.String("conversation_id", event.ConversationID),
			zap.String("message_id", event.MessageID),
			zap.Error(err),
		)
	}
}
