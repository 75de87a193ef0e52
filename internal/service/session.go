package service

import (
	"context"
	"sync"

	"github.com/Baaaki/bazaar-inbox/internal/broker"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot is the observable state of a Session.
type Snapshot struct {
	Conversations       []EnrichedConversation `json:"conversations"`
	CurrentConversation *models.Conversation   `json:"current_conversation"`
	Messages            []TimelineMessage      `json:"messages"`
	Loading             bool                   `json:"loading"`
	Error               string                 `json:"error,omitempty"`
	Uploads             map[string]int         `json:"uploads,omitempty"`
}

// Inbox bundles the stateless services a Session drives.
type Inbox struct {
	Guard     *AccessGuard
	Directory *Directory
	Timeline  *Timeline
	Messages  *MessageService
	Feed      broker.ChangeFeed
}

// Session is one viewer's live inbox: the directory, the open conversation
// and its timeline. Every mutation and every realtime event ends in the same
// reload path, which recomputes state from the store.
type Session struct {
	viewerID string
	inbox    Inbox
	log      *zap.Logger

	mu          sync.RWMutex
	state       Snapshot
	openID      string
	loads       int
	dirSeq      uint64
	dirApplied  uint64
	tlSeq       uint64
	tlApplied   uint64
	observers   []func(Snapshot)
	reconciler  *Reconciler
	closed      bool
	startCancel context.CancelFunc
}

func NewSession(viewerID string, inbox Inbox) *Session {
	return &Session{
		viewerID: viewerID,
		inbox:    inbox,
		log:      logger.Named("session").With(zap.String("viewer_id", viewerID)),
		state:    Snapshot{Uploads: map[string]int{}},
	}
}

func (s *Session) ViewerID() string { return s.viewerID }

// Start loads the directory and subscribes to realtime changes. The
// subscription lives until Close or until ctx is done.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return apperr.Validation("session is closed")
	}
	s.startCancel = cancel
	s.mu.Unlock()

	if s.inbox.Feed != nil {
		rec := NewReconciler(s, s.inbox.Guard, s.inbox.Feed)
		if err := rec.Start(ctx); err != nil {
			cancel()
			return err
		}
		s.mu.Lock()
		s.reconciler = rec
		s.mu.Unlock()
	}

	return s.LoadConversations(ctx)
}

// Close unsubscribes and stops further reloads. Uploads already running
// are left to finish on their own.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rec := s.reconciler
	cancel := s.startCancel
	s.observers = nil
	s.mu.Unlock()

	var err error
	if rec != nil {
		err = rec.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.log.Debug("Session closed")
	return err
}

// OnChange registers fn to receive a snapshot after every state change.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := s.state
	snap.Conversations = append([]EnrichedConversation(nil), s.state.Conversations...)
	snap.Messages = append([]TimelineMessage(nil), s.state.Messages...)
	snap.Uploads = make(map[string]int, len(s.state.Uploads))
	for k, v := range s.state.Uploads {
		snap.Uploads[k] = v
	}
	if s.state.CurrentConversation != nil {
		conv := *s.state.CurrentConversation
		snap.CurrentConversation = &conv
	}
	return snap
}

// update applies fn under the lock and notifies observers afterwards.
func (s *Session) update(fn func(st *Snapshot)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn(&s.state)
	snap := s.snapshotLocked()
	observers := append([]func(Snapshot){}, s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// CurrentConversationID is empty when no conversation is open.
func (s *Session) CurrentConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openID
}

func (s *Session) beginLoad() {
	s.update(func(st *Snapshot) {
		s.loads++
		st.Loading = true
	})
}

func (s *Session) endLoad(fn func(st *Snapshot)) {
	s.update(func(st *Snapshot) {
		if s.loads > 0 {
			s.loads--
		}
		st.Loading = s.loads > 0
		if fn != nil {
			fn(st)
		}
	})
}

func (s *Session) fail(err error) error {
	s.update(func(st *Snapshot) { st.Error = err.Error() })
	return err
}

// LoadConversations reloads the directory. Results of a load that finishes
// after a newer one are discarded.
func (s *Session) LoadConversations(ctx context.Context) error {
	if s.isClosed() {
		return nil
	}

	s.mu.Lock()
	s.dirSeq++
	seq := s.dirSeq
	s.mu.Unlock()

	s.beginLoad()
	list, err := s.inbox.Directory.Load(ctx, s.viewerID)
	s.endLoad(func(st *Snapshot) {
		if err != nil {
			st.Error = err.Error()
			return
		}
		if seq > s.dirApplied {
			s.dirApplied = seq
			st.Conversations = list
		}
	})
	return err
}

// LoadMessages opens a conversation. When access is denied the timeline
// and the selection are cleared.
func (s *Session) LoadMessages(ctx context.Context, conversationID string) error {
	if s.isClosed() {
		return nil
	}

	s.mu.Lock()
	s.openID = conversationID
	s.mu.Unlock()

	return s.reloadTimeline(ctx, conversationID)
}

// reloadTimeline applies its result only if conversationID is still open
// and no later reload has already finished.
func (s *Session) reloadTimeline(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.tlSeq++
	seq := s.tlSeq
	s.mu.Unlock()

	s.beginLoad()
	conv, messages, err := s.inbox.Timeline.Load(ctx, conversationID, s.viewerID)
	s.endLoad(func(st *Snapshot) {
		if s.openID != conversationID || seq <= s.tlApplied {
			return
		}
		s.tlApplied = seq
		if err != nil {
			st.Error = err.Error()
			if apperr.KindOf(err) == apperr.KindAccessDenied {
				s.openID = ""
				st.CurrentConversation = nil
				st.Messages = nil
			}
			return
		}
		st.Error = ""
		st.CurrentConversation = conv
		st.Messages = messages
	})
	return err
}

// CloseConversation deselects the open conversation.
func (s *Session) CloseConversation() {
	s.update(func(st *Snapshot) { s.deselect(st) })
}

// deselect must run inside update.
func (s *Session) deselect(st *Snapshot) {
	s.openID = ""
	st.CurrentConversation = nil
	st.Messages = nil
}

// refresh is the post-mutation reload: the directory always, the timeline
// when the mutated conversation is the open one.
func (s *Session) refresh(ctx context.Context, conversationID string) {
	if s.isClosed() {
		return
	}
	if conversationID != "" && conversationID == s.CurrentConversationID() {
		if err := s.reloadTimeline(ctx, conversationID); err != nil {
			s.log.Warn("Timeline reload failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	if err := s.LoadConversations(ctx); err != nil {
		s.log.Warn("Directory reload failed", zap.Error(err))
	}
}

// SendMessage sends into in.ConversationID, or the open conversation when
// it is empty. Attachment progress is published under a fresh upload id.
func (s *Session) SendMessage(ctx context.Context, in SendInput) (*models.Message, error) {
	if in.ConversationID == "" {
		in.ConversationID = s.CurrentConversationID()
	}

	if in.File != nil {
		uploadID := uuid.NewString()
		caller := in.OnProgress
		in.OnProgress = func(percent int) {
			s.update(func(st *Snapshot) { st.Uploads[uploadID] = percent })
			if caller != nil {
				caller(percent)
			}
		}
		s.update(func(st *Snapshot) { st.Uploads[uploadID] = 0 })
		defer s.update(func(st *Snapshot) { delete(st.Uploads, uploadID) })
	}

	msg, err := s.inbox.Messages.Send(ctx, s.viewerID, in)
	if err != nil {
		return nil, s.fail(err)
	}
	s.refresh(ctx, in.ConversationID)
	return msg, nil
}

// CreateOrReuseConversation opens the conversation with otherUserID,
// creating it when the pair has none.
func (s *Session) CreateOrReuseConversation(ctx context.Context, otherUserID, initialMessage string) (string, error) {
	id, err := s.inbox.Messages.CreateOrReuse(ctx, s.viewerID, otherUserID, initialMessage)
	if id == "" {
		return "", s.fail(err)
	}

	// The conversation exists even when the initial message failed.
	loadErr := s.LoadMessages(ctx, id)
	if dirErr := s.LoadConversations(ctx); dirErr != nil {
		s.log.Warn("Directory reload failed", zap.Error(dirErr))
	}
	if err != nil {
		return id, s.fail(err)
	}
	return id, loadErr
}

func (s *Session) MarkAsRead(ctx context.Context, conversationID string) error {
	n, err := s.inbox.Messages.MarkAsRead(ctx, conversationID, s.viewerID)
	if err != nil {
		return s.fail(err)
	}
	if n > 0 {
		s.refresh(ctx, conversationID)
	}
	return nil
}

// ToggleStar stars a message when messageID is set, else the conversation.
func (s *Session) ToggleStar(ctx context.Context, conversationID, messageID string) error {
	var err error
	if messageID != "" {
		_, err = s.inbox.Messages.ToggleMessageStar(ctx, conversationID, messageID, s.viewerID)
	} else {
		_, err = s.inbox.Messages.ToggleConversationStar(ctx, conversationID, s.viewerID)
	}
	if err != nil {
		return s.fail(err)
	}
	s.refresh(ctx, conversationID)
	return nil
}

// ArchiveConversation toggles the archive flag. The conversation is
// deselected if it was open.
func (s *Session) ArchiveConversation(ctx context.Context, conversationID string) error {
	if _, err := s.inbox.Messages.ToggleArchive(ctx, conversationID, s.viewerID); err != nil {
		return s.fail(err)
	}
	s.leave(conversationID)
	s.refresh(ctx, conversationID)
	return nil
}

// ReportConversation toggles the spam flag and deselects like Archive.
func (s *Session) ReportConversation(ctx context.Context, conversationID string) error {
	if _, err := s.inbox.Messages.ToggleSpam(ctx, conversationID, s.viewerID); err != nil {
		return s.fail(err)
	}
	s.leave(conversationID)
	s.refresh(ctx, conversationID)
	return nil
}

func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.inbox.Messages.DeleteMessage(ctx, conversationID, messageID, s.viewerID); err != nil {
		return s.fail(err)
	}
	s.refresh(ctx, conversationID)
	return nil
}

// DeleteConversation purges the conversation for the viewer. Once purged it
// has nothing left to show, so it is deselected if open.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.inbox.Messages.DeleteConversation(ctx, conversationID, s.viewerID); err != nil {
		return s.fail(err)
	}
	s.leave(conversationID)
	s.refresh(ctx, conversationID)
	return nil
}

func (s *Session) leave(conversationID string) {
	s.update(func(st *Snapshot) {
		if s.openID == conversationID {
			s.deselect(st)
		}
	})
}

// ClearError dismisses the last error.
func (s *Session) ClearError() {
	s.update(func(st *Snapshot) { st.Error = "" })
}
