package service

import (
	"context"
	"sync"

	"github.com/Baaaki/bazaar-inbox/internal/broker"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"go.uber.org/zap"
)

// Reconciler turns change events into reloads of a Session. Events are
// triggers only: each one is re-checked with the AccessGuard and then the
// session re-reads canonical state.
type Reconciler struct {
	session *Session
	guard   *AccessGuard
	feed    broker.ChangeFeed
	log     *zap.Logger

	mu   sync.Mutex
	ctx  context.Context
	subs []broker.Subscription
}

func NewReconciler(session *Session, guard *AccessGuard, feed broker.ChangeFeed) *Reconciler {
	return &Reconciler{
		session: session,
		guard:   guard,
		feed:    feed,
		log:     logger.Named("reconciler").With(zap.String("viewer_id", session.ViewerID())),
	}
}

// Start subscribes to the viewer's conversation and message channels.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	for _, table := range []broker.Table{broker.TableConversations, broker.TableMessages} {
		sub, err := r.feed.Subscribe(ctx, broker.SubscribeOptions{
			Table:       table,
			ChannelName: broker.ChannelFor(table, r.session.ViewerID()),
			Callback:    r.Handle,
		})
		if err != nil {
			r.Stop()
			return err
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	r.log.Debug("Realtime subscriptions active")
	return nil
}

// Stop unsubscribes from every channel.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := r.feed.Unsubscribe(sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Handle processes one event. Events for conversations the viewer cannot
// access are dropped before anything is reloaded.
func (r *Reconciler) Handle(event broker.ChangeEvent) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil || r.session.isClosed() {
		return
	}

	viewerID := r.session.ViewerID()
	if !r.guard.HasAccess(ctx, event.ConversationID, viewerID) {
		r.log.Warn("Discarding change event for inaccessible conversation",
			zap.String("event_id", event.ID),
			zap.String("table", string(event.Table)),
			zap.String("conversation_id", event.ConversationID),
		)
		return
	}

	isOpen := event.ConversationID == r.session.CurrentConversationID()
	if isOpen {
		if err := r.session.reloadTimeline(ctx, event.ConversationID); err != nil {
			r.log.Warn("Timeline reload failed", zap.String("conversation_id", event.ConversationID), zap.Error(err))
		}
	}
	if err := r.session.LoadConversations(ctx); err != nil {
		r.log.Warn("Directory reload failed", zap.Error(err))
	}

	incoming := event.Table == broker.TableMessages &&
		event.Type == broker.EventInsert &&
		event.SenderID != viewerID &&
		!event.IsRead
	if incoming && isOpen {
		if err := r.session.MarkAsRead(ctx, event.ConversationID); err != nil {
			r.log.Warn("Auto mark-as-read failed", zap.String("conversation_id", event.ConversationID), zap.Error(err))
		}
	}
}
