package service

import (
	"context"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
)

// TimelineMessage is a visible message with its sender and, one level
// deep, the message it replies to.
type TimelineMessage struct {
	models.Message
	Sender  *models.Profile  `json:"sender"`
	ReplyTo *TimelineMessage `json:"reply_to,omitempty"`
}

type Timeline struct {
	guard    *AccessGuard
	messages *repository.MessageRepository
	profiles *ProfileResolver
}

func NewTimeline(guard *AccessGuard, messages *repository.MessageRepository, profiles *ProfileResolver) *Timeline {
	return &Timeline{guard: guard, messages: messages, profiles: profiles}
}

// Load returns the conversation and its messages visible to viewerID in
// creation order. Reply targets are only resolved among those visible
// messages, so a reply to a message the viewer deleted shows no preview.
func (t *Timeline) Load(ctx context.Context, conversationID, viewerID string) (*models.Conversation, []TimelineMessage, error) {
	conv, vp, err := t.guard.Authorize(ctx, conversationID, viewerID)
	if err != nil {
		return nil, nil, err
	}

	all, err := t.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, nil, apperr.Transient("could not load messages", err)
	}
	visible := VisibleMessages(all, vp)

	byID := make(map[string]*models.Message, len(visible))
	for i := range visible {
		byID[visible[i].ID] = &visible[i]
	}

	profiles := t.profiles.memo()
	out := make([]TimelineMessage, 0, len(visible))
	for _, m := range visible {
		item := TimelineMessage{
			Message: m,
			Sender:  profiles.get(ctx, m.SenderID),
		}
		if m.ReplyToID != nil {
			if target, ok := byID[*m.ReplyToID]; ok {
				item.ReplyTo = &TimelineMessage{
					Message: *target,
					Sender:  profiles.get(ctx, target.SenderID),
				}
			}
		}
		out = append(out, item)
	}
	return conv, out, nil
}
