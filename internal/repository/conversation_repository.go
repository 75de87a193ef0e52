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

var conversationColumns = newColumnSet(
	"id", "participant_a_id", "participant_b_id", "kind",
	"is_archived", "is_blocked", "is_spam", "is_starred",
	"last_activity_at", "order_id", "pair_key", "created_at", "updated_at",
)

// conversationWritable is the subset of columns Update may change.
var conversationWritable = newColumnSet(
	"is_archived", "is_blocked", "is_spam", "is_starred", "last_activity_at",
)

type ConversationRepository struct {
	db        *gorm.DB
	publisher broker.ChangePublisher
}

// NewConversationRepository returns a repository that announces every write
// on publisher. publisher may be nil.
func NewConversationRepository(db *gorm.DB, publisher broker.ChangePublisher) *ConversationRepository {
	return &ConversationRepository{db: db, publisher: publisher}
}

func (r *ConversationRepository) Select(ctx context.Context, q Query) ([]models.Conversation, error) {
	tx, err := q.apply(r.db.WithContext(ctx).Model(&models.Conversation{}), conversationColumns)
	if err != nil {
		return nil, err
	}

	var conversations []models.Conversation
	if err := tx.Find(&conversations).Error; err != nil {
		return nil, errors.Wrap(err, "conversationRepo.Select")
	}
	return conversations, nil
}

// ListForUser returns the conversations userID takes part in, most recent
// activity first.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	return r.Select(ctx, Query{
		Conditions: []Condition{
			Eq("participant_a_id", userID),
			Eq("participant_b_id", userID),
		},
		Or:      true,
		OrderBy: &OrderBy{Column: "last_activity_at"},
	})
}

// ListSpam returns every conversation flagged as spam, newest first.
func (r *ConversationRepository) ListSpam(ctx context.Context) ([]models.Conversation, error) {
	return r.Select(ctx, Query{
		Conditions: []Condition{Eq("is_spam", true)},
		OrderBy:    &OrderBy{Column: "updated_at"},
	})
}

// GetByID returns nil, nil when the conversation does not exist.
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "conversationRepo.GetByID")
	}
	return &conv, nil
}

// FindByPair looks up the direct conversation between a and b in either
// order. It returns nil, nil when none exists.
func (r *ConversationRepository) FindByPair(ctx context.Context, a, b string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("pair_key = ?", models.PairKey(a, b, models.ConversationDirect, nil)).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "conversationRepo.FindByPair")
	}
	return &conv, nil
}

// Insert creates conv. A second conversation for the same pair fails with
// ErrDuplicatePair.
func (r *ConversationRepository) Insert(ctx context.Context, conv *models.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicatePair
		}
		return errors.Wrap(err, "conversationRepo.Insert")
	}

	r.publish(ctx, broker.EventInsert, conv)
	return nil
}

// Update applies a partial row. Unknown or immutable columns are rejected.
func (r *ConversationRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	for column := range fields {
		if !conversationWritable.has(column) {
			return errors.Wrap(ErrUnknownColumn, column)
		}
	}

	res := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.Wrap(res.Error, "conversationRepo.Update")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	conv, err := r.GetByID(ctx, id)
	if err != nil || conv == nil {
		return err
	}
	r.publish(ctx, broker.EventUpdate, conv)
	return nil
}

// Touch bumps last_activity_at.
func (r *ConversationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.Update(ctx, id, map[string]interface{}{"last_activity_at": at})
}

// Delete removes the row and its messages. Only the seed tool uses it;
// inbox users never hard-delete conversations.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	conv, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrNotFound
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, "id = ?", id).Error
	})
	if err != nil {
		return errors.Wrap(err, "conversationRepo.Delete")
	}

	r.publish(ctx, broker.EventDelete, conv)
	return nil
}

func (r *ConversationRepository) publish(ctx context.Context, kind broker.EventType, conv *models.Conversation) {
	if r.publisher == nil {
		return
	}
	err := r.publisher.Publish(ctx, broker.ChangeEvent{
		Table:          broker.TableConversations,
		Type:           kind,
		ConversationID: conv.ID,
		Participants:   []string{conv.ParticipantAID, conv.ParticipantBID},
	})
	if err != nil {
		logger.Log.Warn("Conversation change not announced",
			zap.String("conversation_id", conv.ID),
			zap.String("type", string(kind)),
			zap.Error(err),
		)
	}
}
