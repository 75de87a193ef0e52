package service

import (
	"context"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EnrichedConversation is one row of a viewer's inbox.
type EnrichedConversation struct {
	models.Conversation
	OtherUser   *models.Profile `json:"other_user"`
	LastMessage *models.Message `json:"last_message"`
	UnreadCount int             `json:"unread_count"`
}

// Directory builds the list of conversations visible to a viewer.
type Directory struct {
	conversations *repository.ConversationRepository
	messages      *repository.MessageRepository
	profiles      *ProfileResolver
	concurrency   int
}

func NewDirectory(conversations *repository.ConversationRepository, messages *repository.MessageRepository, profiles *ProfileResolver, concurrency int) *Directory {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Directory{
		conversations: conversations,
		messages:      messages,
		profiles:      profiles,
		concurrency:   concurrency,
	}
}

// Load returns the viewer's conversations, most recent activity first.
// Conversations with no message left visible to the viewer are omitted.
// A conversation that fails to enrich is dropped from the result instead
// of failing the whole load.
func (d *Directory) Load(ctx context.Context, viewerID string) ([]EnrichedConversation, error) {
	start := time.Now()

	rows, err := d.conversations.ListForUser(ctx, viewerID)
	if err != nil {
		logger.Log.Error("Failed to list conversations",
			zap.String("viewer_id", viewerID),
			zap.Error(err),
		)
		return nil, apperr.Transient("could not load conversations", err)
	}

	results := make([]*EnrichedConversation, len(rows))
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	seen := make(map[string]struct{}, len(rows))
	for i := range rows {
		if _, dup := seen[rows[i].ID]; dup {
			continue
		}
		seen[rows[i].ID] = struct{}{}

		g.Go(func() error {
			item, err := d.enrich(ctx, &rows[i], viewerID)
			if err != nil {
				logger.Log.Warn("Conversation excluded from directory",
					zap.String("conversation_id", rows[i].ID),
					zap.String("viewer_id", viewerID),
					zap.Error(err),
				)
				return nil
			}
			results[i] = item
			return nil
		})
	}
	g.Wait()

	out := make([]EnrichedConversation, 0, len(rows))
	for _, item := range results {
		if item != nil {
			out = append(out, *item)
		}
	}

	logger.Log.Debug("Directory loaded",
		zap.String("viewer_id", viewerID),
		zap.Int("rows", len(rows)),
		zap.Int("visible", len(out)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// enrich returns nil, nil for conversations the viewer should not see.
func (d *Directory) enrich(ctx context.Context, conv *models.Conversation, viewerID string) (*EnrichedConversation, error) {
	vp, ok := models.ViewpointOf(conv, viewerID)
	if !ok {
		return nil, nil
	}

	messages, err := d.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	last := VisibleLastMessage(messages, vp)
	if last == nil {
		return nil, nil
	}

	other, err := d.profiles.Resolve(ctx, conv.OtherParticipant(viewerID))
	if err != nil {
		return nil, err
	}

	return &EnrichedConversation{
		Conversation: *conv,
		OtherUser:    other,
		LastMessage:  last,
		UnreadCount:  UnreadCount(messages, vp),
	}, nil
}
