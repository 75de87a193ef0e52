package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/broker"
	"github.com/Baaaki/bazaar-inbox/internal/media"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func TestSession_ArchivingOpenConversationDeselectsIt(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	id := f.conversationWith(t, "hello")

	session := NewSession(f.alice.ID, f.inbox(false))
	require.NoError(t, session.Start(ctx))
	defer session.Close()

	require.NoError(t, session.LoadMessages(ctx, id))
	snap := session.Snapshot()
	require.NotNil(t, snap.CurrentConversation)
	require.Len(t, snap.Messages, 1)

	require.NoError(t, session.ArchiveConversation(ctx, id))
	snap = session.Snapshot()
	assert.Nil(t, snap.CurrentConversation)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, session.CurrentConversationID())

	require.Len(t, snap.Conversations, 1)
	assert.True(t, snap.Conversations[0].IsArchived)
	assert.Empty(t, FilterConversations(snap.Conversations, FilterAll))
}

func TestSession_ReportKeepsOtherOpenConversation(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	withBob := f.conversationWith(t, "hello")
	withMallory, err := f.messages.CreateOrReuse(ctx, f.alice.ID, f.mallory.ID, "hi")
	require.NoError(t, err)

	session := NewSession(f.alice.ID, f.inbox(false))
	require.NoError(t, session.Start(ctx))
	defer session.Close()

	require.NoError(t, session.LoadMessages(ctx, withBob))
	require.NoError(t, session.ReportConversation(ctx, withMallory))

	assert.Equal(t, withBob, session.CurrentConversationID())
	spam := FilterConversations(session.Snapshot().Conversations, FilterSpam)
	require.Len(t, spam, 1)
	assert.Equal(t, withMallory, spam[0].ID)
}

func TestSession_DeniedTimelineReturnsToList(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	mine := f.conversationWith(t, "hello")
	foreign, err := f.messages.CreateOrReuse(ctx, f.bob.ID, f.mallory.ID, "private")
	require.NoError(t, err)

	session := NewSession(f.alice.ID, f.inbox(false))
	require.NoError(t, session.Start(ctx))
	defer session.Close()

	require.NoError(t, session.LoadMessages(ctx, mine))
	err = session.LoadMessages(ctx, foreign)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)

	snap := session.Snapshot()
	assert.Nil(t, snap.CurrentConversation)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, apperr.AccessDenied().Error(), snap.Error)
	assert.False(t, snap.Loading)
}

func TestSession_CreateOrReuseOpensConversation(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()

	session := NewSession(f.alice.ID, f.inbox(false))
	require.NoError(t, session.Start(ctx))
	defer session.Close()

	id, err := session.CreateOrReuseConversation(ctx, f.bob.ID, "hello")
	require.NoError(t, err)

	snap := session.Snapshot()
	require.NotNil(t, snap.CurrentConversation)
	assert.Equal(t, id, snap.CurrentConversation.ID)
	require.Len(t, snap.Messages, 1)
	require.Len(t, snap.Conversations, 1)

	_, err = session.CreateOrReuseConversation(ctx, f.alice.ID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, id, session.CurrentConversationID())
}

func TestSession_DeleteConversationDeselects(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	id := f.conversationWith(t, "hello")

	session := NewSession(f.bob.ID, f.inbox(false))
	require.NoError(t, session.Start(ctx))
	defer session.Close()

	require.NoError(t, session.LoadMessages(ctx, id))
	require.NoError(t, session.DeleteConversation(ctx, id))

	snap := session.Snapshot()
	assert.Nil(t, snap.CurrentConversation)
	assert.Empty(t, snap.Conversations)
}

func TestSession_SendTracksUploadProgress(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	id := f.conversationWith(t, "hello")

	file := media.File{Name: "invoice.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}
	f.uploader.On("Upload", mock.Anything, f.alice.ID, file, mock.Anything).Return(&media.Result{
		URL: "https://cdn.test/chat-files/alice/1.pdf", Name: "invoice.pdf", Size: 4,
		ContentType: "application/pdf", Category: media.CategoryDocument,
	}, nil)

	session := NewSession(f.alice.ID, f.inbox(false))
	require.NoError(t, session.Start(ctx))
	defer session.Close()
	require.NoError(t, session.LoadMessages(ctx, id))

	var seen []int
	session.OnChange(func(s Snapshot) {
		for _, pct := range s.Uploads {
			seen = append(seen, pct)
		}
	})

	msg, err := session.SendMessage(ctx, SendInput{File: &file})
	require.NoError(t, err)
	assert.Equal(t, id, msg.ConversationID)

	assert.Contains(t, seen, 0)
	assert.Contains(t, seen, 50)
	snap := session.Snapshot()
	assert.Empty(t, snap.Uploads)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "invoice.pdf", *snap.Messages[1].FileName)
}

func TestSession_FailedSendReportsError(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	id := f.conversationWith(t, "hello")

	session := NewSession(f.alice.ID, f.inbox(false))
	require.NoError(t, session.Start(ctx))
	defer session.Close()
	require.NoError(t, session.LoadMessages(ctx, id))

	draft := SendInput{Content: ""}
	_, err := session.SendMessage(ctx, draft)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.NotEmpty(t, session.Snapshot().Error)
	assert.Len(t, session.Snapshot().Messages, 1)

	session.ClearError()
	assert.Empty(t, session.Snapshot().Error)
}

func TestReconciler_IncomingMessageReloadsAndMarksRead(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	id := f.conversationWith(t, "hello")

	session := NewSession(f.alice.ID, f.inbox(true))
	require.NoError(t, session.Start(ctx))
	defer session.Close()
	require.NoError(t, session.LoadMessages(ctx, id))

	reply := f.send(t, f.bob, id, "thanks!")

	assert.Eventually(t, func() bool {
		snap := session.Snapshot()
		return len(snap.Messages) == 2 && snap.Messages[1].ID == reply.ID
	}, eventually, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		m, err := f.msgRepo.GetByID(ctx, reply.ID)
		return err == nil && m.IsRead
	}, eventually, 10*time.Millisecond)
}

func TestReconciler_ClosedConversationOnlyUpdatesDirectory(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	id := f.conversationWith(t, "hello")

	session := NewSession(f.alice.ID, f.inbox(true))
	require.NoError(t, session.Start(ctx))
	defer session.Close()

	reply := f.send(t, f.bob, id, "ping")

	assert.Eventually(t, func() bool {
		list := session.Snapshot().Conversations
		return len(list) == 1 && list[0].LastMessage.ID == reply.ID && list[0].UnreadCount == 1
	}, eventually, 10*time.Millisecond)

	m, err := f.msgRepo.GetByID(ctx, reply.ID)
	require.NoError(t, err)
	assert.False(t, m.IsRead)
}

func TestReconciler_DropsEventsForForeignConversations(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	foreign, err := f.messages.CreateOrReuse(ctx, f.bob.ID, f.mallory.ID, "private")
	require.NoError(t, err)

	session := NewSession(f.alice.ID, f.inbox(true))
	require.NoError(t, session.Start(ctx))
	defer session.Close()

	var changes atomic.Int32
	session.OnChange(func(Snapshot) { changes.Add(1) })

	f.feed.Deliver(broker.ChannelFor(broker.TableMessages, f.alice.ID), broker.ChangeEvent{
		ID:             "forged",
		Table:          broker.TableMessages,
		Type:           broker.EventInsert,
		ConversationID: foreign,
		SenderID:       f.bob.ID,
	})

	assert.Never(t, func() bool { return changes.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, session.Snapshot().Conversations)
}

func TestSession_CloseUnsubscribes(t *testing.T) {
	f := newInboxFixture(t)
	session := NewSession(f.alice.ID, f.inbox(true))
	require.NoError(t, session.Start(context.Background()))
	assert.Equal(t, 2, f.feed.Subscribers())

	require.NoError(t, session.Close())
	assert.Equal(t, 0, f.feed.Subscribers())
	require.NoError(t, session.Close())
}

func TestSession_ObserversReceiveEveryChange(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	id := f.conversationWith(t, "hello")

	session := NewSession(f.alice.ID, f.inbox(false))
	defer session.Close()

	var first, second []Snapshot
	session.OnChange(func(s Snapshot) { first = append(first, s) })
	session.OnChange(func(s Snapshot) { second = append(second, s) })

	require.NoError(t, session.Start(ctx))
	require.NoError(t, session.LoadMessages(ctx, id))

	require.NotEmpty(t, first)
	assert.Equal(t, len(first), len(second))
	last := first[len(first)-1]
	require.NotNil(t, last.CurrentConversation)
	assert.Equal(t, id, last.CurrentConversation.ID)
	assert.Len(t, last.Messages, 1)
}
