package service

import (
	"context"
	"errors"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"go.uber.org/zap"
)

// SpamReport is a conversation flagged as spam with both participants.
type SpamReport struct {
	models.Conversation
	ParticipantA *models.Profile `json:"participant_a"`
	ParticipantB *models.Profile `json:"participant_b"`
}

// ModerationService backs the admin endpoints.
type ModerationService struct {
	conversations *repository.ConversationRepository
	users         *repository.UserRepository
	profiles      *ProfileResolver
}

func NewModerationService(conversations *repository.ConversationRepository, users *repository.UserRepository, profiles *ProfileResolver) *ModerationService {
	return &ModerationService{conversations: conversations, users: users, profiles: profiles}
}

func (s *ModerationService) ListSpam(ctx context.Context) ([]SpamReport, error) {
	rows, err := s.conversations.ListSpam(ctx)
	if err != nil {
		return nil, apperr.Transient("could not load reports", err)
	}

	profiles := s.profiles.memo()
	reports := make([]SpamReport, 0, len(rows))
	for _, conv := range rows {
		reports = append(reports, SpamReport{
			Conversation: conv,
			ParticipantA: profiles.get(ctx, conv.ParticipantAID),
			ParticipantB: profiles.get(ctx, conv.ParticipantBID),
		})
	}
	return reports, nil
}

// ListUsers includes banned users.
func (s *ModerationService) ListUsers(ctx context.Context) ([]models.User, error) {
	users, err := s.users.ListAll(ctx)
	if err != nil {
		return nil, apperr.Transient("could not load users", err)
	}
	return users, nil
}

// BanUser soft-deletes the account. Their conversations remain for the
// other participants.
func (s *ModerationService) BanUser(ctx context.Context, userID, adminID string) error {
	if userID == adminID {
		return apperr.Validation("you cannot ban yourself")
	}

	if err := s.users.Ban(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("user not found")
		}
		return apperr.Transient("could not ban user", err)
	}
	s.profiles.Forget(ctx, userID)

	logger.Log.Info("User banned",
		zap.String("user_id", userID),
		zap.String("admin_id", adminID),
	)
	return nil
}
