package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/media"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const MaxContentLength = 5000

// AttachmentUploader is the part of media.Pipeline the mutation engine uses.
type AttachmentUploader interface {
	Upload(ctx context.Context, ownerID string, f media.File, onProgress media.ProgressFunc) (*media.Result, error)
}

// SendInput is a message draft. It is never modified, so a failed send can
// be retried with the same value.
type SendInput struct {
	ConversationID string
	Content        string
	File           *media.File
	ReplyToID      *string
	OrderDetails   json.RawMessage
	OnProgress     media.ProgressFunc
}

// MessageService executes the state transitions of conversations and
// messages. It keeps no per-viewer state; Session wraps it with reloads.
type MessageService struct {
	guard         *AccessGuard
	conversations *repository.ConversationRepository
	messages      *repository.MessageRepository
	users         *repository.UserRepository
	attachments   AttachmentUploader
	now           func() time.Time
}

func NewMessageService(
	guard *AccessGuard,
	conversations *repository.ConversationRepository,
	messages *repository.MessageRepository,
	users *repository.UserRepository,
	attachments AttachmentUploader,
) *MessageService {
	return &MessageService{
		guard:         guard,
		conversations: conversations,
		messages:      messages,
		users:         users,
		attachments:   attachments,
		now:           time.Now,
	}
}

// Send stores a message from viewerID. An attachment is uploaded first and
// decides the message kind.
func (s *MessageService) Send(ctx context.Context, viewerID string, in SendInput) (*models.Message, error) {
	start := time.Now()

	conv, vp, err := s.guard.Authorize(ctx, in.ConversationID, viewerID)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(in.Content)
	if content == "" && in.File == nil && len(in.OrderDetails) == 0 {
		return nil, apperr.Validation("message must have content or an attachment")
	}
	if len(content) > MaxContentLength {
		return nil, apperr.Validation("message is too long")
	}
	if len(in.OrderDetails) > 0 && !json.Valid(in.OrderDetails) {
		return nil, apperr.Validation("order details must be valid JSON")
	}
	if conv.IsBlocked {
		return nil, apperr.Validation("this conversation is blocked")
	}
	if in.ReplyToID != nil {
		if err := s.checkReplyTarget(ctx, conv.ID, *in.ReplyToID, vp); err != nil {
			return nil, err
		}
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       viewerID,
		ReplyToID:      in.ReplyToID,
		Content:        content,
		Kind:           models.MessageText,
	}
	if len(in.OrderDetails) > 0 {
		msg.Kind = models.MessageOrder
		msg.OrderDetails = datatypes.JSON(in.OrderDetails)
	}

	if in.File != nil {
		if s.attachments == nil {
			return nil, apperr.UploadFailed("attachments are not available", nil)
		}
		res, err := s.attachments.Upload(ctx, viewerID, *in.File, in.OnProgress)
		if err != nil {
			logger.Log.Warn("Attachment rejected",
				zap.String("conversation_id", conv.ID),
				zap.String("sender_id", viewerID),
				zap.String("file_name", in.File.Name),
				zap.Error(err),
			)
			return nil, err
		}
		msg.Kind = kindFor(res.Category)
		msg.FileURL = &res.URL
		msg.FileName = &res.Name
		msg.FileSize = &res.Size
		msg.FileType = &res.ContentType
	}

	if err := s.insert(ctx, msg); err != nil {
		return nil, err
	}

	logger.Log.Info("Message sent",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("sender_id", viewerID),
		zap.String("kind", string(msg.Kind)),
		zap.Duration("duration", time.Since(start)),
	)
	return msg, nil
}

func kindFor(c media.Category) models.MessageKind {
	switch c {
	case media.CategoryImage:
		return models.MessageImage
	case media.CategoryVideo:
		return models.MessageVideo
	default:
		return models.MessageFile
	}
}

// checkReplyTarget requires the target to be in the same conversation and
// visible to the sender.
func (s *MessageService) checkReplyTarget(ctx context.Context, conversationID, replyToID string, vp models.Viewpoint) error {
	target, err := s.messages.GetByID(ctx, replyToID)
	if err != nil {
		return apperr.Transient("could not load reply target", err)
	}
	if target == nil || target.ConversationID != conversationID || !vp.Sees(target) {
		return apperr.Validation("the message you are replying to is not available")
	}
	return nil
}

// insert stores msg and bumps the conversation's last activity.
func (s *MessageService) insert(ctx context.Context, msg *models.Message) error {
	msg.CreatedAt = s.now()
	if err := s.messages.Insert(ctx, msg); err != nil {
		logger.Log.Error("Failed to store message",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
		return apperr.Transient("could not send message", err)
	}
	if err := s.conversations.Touch(ctx, msg.ConversationID, msg.CreatedAt); err != nil {
		logger.Log.Warn("Failed to bump last activity",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
	}
	return nil
}

// CreateOrReuse returns the direct conversation between viewerID and
// otherUserID, creating it if needed. A non-empty initialMessage is sent
// into it either way. Two concurrent first contacts converge on one row
// through the pair uniqueness constraint.
func (s *MessageService) CreateOrReuse(ctx context.Context, viewerID, otherUserID, initialMessage string) (string, error) {
	if viewerID == "" {
		return "", apperr.AccessDenied()
	}
	if otherUserID == "" {
		return "", apperr.Validation("recipient is required")
	}
	if viewerID == otherUserID {
		return "", apperr.Validation("you cannot start a conversation with yourself")
	}
	content := strings.TrimSpace(initialMessage)
	if len(content) > MaxContentLength {
		return "", apperr.Validation("message is too long")
	}

	other, err := s.users.GetByID(ctx, otherUserID)
	if err != nil {
		return "", apperr.Transient("could not load recipient", err)
	}
	if other == nil {
		return "", apperr.NotFound("user not found")
	}

	conv, err := s.conversations.FindByPair(ctx, viewerID, otherUserID)
	if err != nil {
		return "", apperr.Transient("could not look up conversation", err)
	}

	if conv == nil {
		conv = &models.Conversation{
			ParticipantAID: viewerID,
			ParticipantBID: otherUserID,
			Kind:           models.ConversationDirect,
			LastActivityAt: s.now(),
		}
		err = s.conversations.Insert(ctx, conv)
		switch {
		case errors.Is(err, repository.ErrDuplicatePair):
			conv, err = s.conversations.FindByPair(ctx, viewerID, otherUserID)
			if err != nil || conv == nil {
				return "", apperr.Transient("could not look up conversation", err)
			}
			logger.Log.Info("Concurrent conversation create resolved to existing row",
				zap.String("conversation_id", conv.ID),
			)
		case err != nil:
			return "", apperr.Transient("could not create conversation", err)
		default:
			logger.Log.Info("Conversation created",
				zap.String("conversation_id", conv.ID),
				zap.String("participant_a_id", viewerID),
				zap.String("participant_b_id", otherUserID),
			)
		}
	}

	if content != "" {
		msg := &models.Message{
			ConversationID: conv.ID,
			SenderID:       viewerID,
			Content:        content,
			Kind:           models.MessageText,
		}
		if err := s.insert(ctx, msg); err != nil {
			return conv.ID, err
		}
	}
	return conv.ID, nil
}

// MarkAsRead flips every unread incoming message the viewer can see. It
// returns how many messages changed.
func (s *MessageService) MarkAsRead(ctx context.Context, conversationID, viewerID string) (int64, error) {
	conv, vp, err := s.guard.Authorize(ctx, conversationID, viewerID)
	if err != nil {
		return 0, err
	}

	n, err := s.messages.MarkRead(ctx, conv.ID, viewerID, vp.Side, s.now())
	if err != nil {
		return 0, apperr.Transient("could not mark messages as read", err)
	}
	if n > 0 {
		logger.Log.Debug("Messages marked read",
			zap.String("conversation_id", conv.ID),
			zap.String("viewer_id", viewerID),
			zap.Int64("count", n),
		)
	}
	return n, nil
}

// ToggleMessageStar flips the star of a message the viewer can see and
// returns the new value.
func (s *MessageService) ToggleMessageStar(ctx context.Context, conversationID, messageID, viewerID string) (bool, error) {
	conv, vp, err := s.guard.Authorize(ctx, conversationID, viewerID)
	if err != nil {
		return false, err
	}

	msg, err := s.visibleMessage(ctx, conv.ID, messageID, vp)
	if err != nil {
		return false, err
	}

	starred := !msg.IsStarred
	if err := s.messages.Update(ctx, msg.ID, map[string]interface{}{"is_starred": starred}); err != nil {
		return false, apperr.Transient("could not update message", err)
	}
	return starred, nil
}

func (s *MessageService) ToggleConversationStar(ctx context.Context, conversationID, viewerID string) (bool, error) {
	return s.toggleConversationFlag(ctx, conversationID, viewerID, "is_starred", func(c *models.Conversation) bool { return c.IsStarred })
}

func (s *MessageService) ToggleArchive(ctx context.Context, conversationID, viewerID string) (bool, error) {
	return s.toggleConversationFlag(ctx, conversationID, viewerID, "is_archived", func(c *models.Conversation) bool { return c.IsArchived })
}

// ToggleSpam reports the conversation as spam, or clears the report.
func (s *MessageService) ToggleSpam(ctx context.Context, conversationID, viewerID string) (bool, error) {
	return s.toggleConversationFlag(ctx, conversationID, viewerID, "is_spam", func(c *models.Conversation) bool { return c.IsSpam })
}

func (s *MessageService) toggleConversationFlag(ctx context.Context, conversationID, viewerID, column string, current func(*models.Conversation) bool) (bool, error) {
	conv, _, err := s.guard.Authorize(ctx, conversationID, viewerID)
	if err != nil {
		return false, err
	}

	value := !current(conv)
	if err := s.conversations.Update(ctx, conv.ID, map[string]interface{}{column: value}); err != nil {
		return false, apperr.Transient("could not update conversation", err)
	}

	logger.Log.Info("Conversation flag toggled",
		zap.String("conversation_id", conv.ID),
		zap.String("viewer_id", viewerID),
		zap.String("flag", column),
		zap.Bool("value", value),
	)
	return value, nil
}

// DeleteMessage hides one message from the viewer only. Deleting an
// already hidden message is a no-op.
func (s *MessageService) DeleteMessage(ctx context.Context, conversationID, messageID, viewerID string) error {
	conv, vp, err := s.guard.Authorize(ctx, conversationID, viewerID)
	if err != nil {
		return err
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return apperr.Transient("could not load message", err)
	}
	if msg == nil || msg.ConversationID != conv.ID {
		return apperr.NotFound("message not found")
	}
	if !vp.Sees(msg) {
		return nil
	}

	if err := s.messages.SoftDeleteForSide(ctx, conv.ID, msg.ID, vp.Side); err != nil {
		return apperr.Transient("could not delete message", err)
	}
	return nil
}

// DeleteConversation hides every message of the conversation from the
// viewer, which removes it from their directory. Archived and spam
// conversations must be restored first.
func (s *MessageService) DeleteConversation(ctx context.Context, conversationID, viewerID string) error {
	conv, vp, err := s.guard.Authorize(ctx, conversationID, viewerID)
	if err != nil {
		return err
	}
	if conv.IsArchived || conv.IsSpam {
		return apperr.Validation("restore this conversation to your inbox before deleting it")
	}

	n, err := s.messages.SoftDeleteAllForSide(ctx, conv.ID, vp.Side)
	if err != nil {
		return apperr.Transient("could not delete conversation", err)
	}

	logger.Log.Info("Conversation deleted for viewer",
		zap.String("conversation_id", conv.ID),
		zap.String("viewer_id", viewerID),
		zap.String("side", vp.Side.String()),
		zap.Int64("messages", n),
	)
	return nil
}

func (s *MessageService) visibleMessage(ctx context.Context, conversationID, messageID string, vp models.Viewpoint) (*models.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, apperr.Transient("could not load message", err)
	}
	if msg == nil || msg.ConversationID != conversationID || !vp.Sees(msg) {
		return nil, apperr.NotFound("message not found")
	}
	return msg, nil
}
