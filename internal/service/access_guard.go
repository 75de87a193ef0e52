package service

import (
	"context"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"go.uber.org/zap"
)

// AccessGuard decides whether a user is one of a conversation's two
// participants. Every id-addressed read or write goes through it.
type AccessGuard struct {
	conversations *repository.ConversationRepository
}

func NewAccessGuard(conversations *repository.ConversationRepository) *AccessGuard {
	return &AccessGuard{conversations: conversations}
}

// HasAccess is false for unknown conversations, non-participants and store
// failures alike.
func (g *AccessGuard) HasAccess(ctx context.Context, conversationID, userID string) bool {
	_, _, err := g.Authorize(ctx, conversationID, userID)
	return err == nil
}

// Authorize loads the conversation and resolves the viewer's side. Denials
// return the generic apperr.AccessDenied; the actual reason is only logged.
func (g *AccessGuard) Authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, models.Viewpoint, error) {
	if conversationID == "" || userID == "" {
		g.deny(conversationID, userID, "missing identifier")
		return nil, models.Viewpoint{}, apperr.AccessDenied()
	}

	conv, err := g.conversations.GetByID(ctx, conversationID)
	if err != nil {
		logger.Log.Error("Access check failed: store error",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, models.Viewpoint{}, apperr.Transient("could not verify access", err)
	}
	if conv == nil {
		g.deny(conversationID, userID, "conversation not found")
		return nil, models.Viewpoint{}, apperr.AccessDenied()
	}

	vp, ok := models.ViewpointOf(conv, userID)
	if !ok {
		g.deny(conversationID, userID, "not a participant")
		return nil, models.Viewpoint{}, apperr.AccessDenied()
	}
	return conv, vp, nil
}

func (g *AccessGuard) deny(conversationID, userID, reason string) {
	logger.Log.Warn("Conversation access denied",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.String("reason", reason),
	)
}
