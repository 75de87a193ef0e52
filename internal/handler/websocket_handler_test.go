package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/handler"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialInbox(t *testing.T, f *apiFixture, user *models.User, header http.Header) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(f.router)
	t.Cleanup(server.Close)

	if header == nil {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+f.token(t, user))
	}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first frame matching pred.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(handler.WSResponse) bool) handler.WSResponse {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var resp handler.WSResponse
		require.NoError(t, conn.ReadJSON(&resp))
		if pred(resp) {
			return resp
		}
	}
}

// readAckAndSnapshot reads until both the ack for requestID and a snapshot
// matching pred have arrived. The writer interleaves acks and snapshots in
// no fixed order.
func readAckAndSnapshot(t *testing.T, conn *websocket.Conn, requestID string, pred func(*service.Snapshot) bool) (handler.WSResponse, handler.WSResponse) {
	t.Helper()

	isAck, isSnap := ackFor(requestID), snapshotWhere(pred)
	var ack, snap *handler.WSResponse

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for ack == nil || snap == nil {
		var resp handler.WSResponse
		require.NoError(t, conn.ReadJSON(&resp))
		switch {
		case ack == nil && isAck(resp):
			ack = &resp
		case snap == nil && isSnap(resp):
			snap = &resp
		}
	}
	return *ack, *snap
}

func snapshotWhere(pred func(*service.Snapshot) bool) func(handler.WSResponse) bool {
	return func(r handler.WSResponse) bool {
		return r.Type == "snapshot" && r.Snapshot != nil && pred(r.Snapshot)
	}
}

func ackFor(requestID string) func(handler.WSResponse) bool {
	return func(r handler.WSResponse) bool {
		return r.Type == "ack" && r.RequestID == requestID
	}
}

func TestWebSocket_StreamsSessionState(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "hello bob")

	conn := dialInbox(t, f, f.bob, nil)

	readUntil(t, conn, snapshotWhere(func(s *service.Snapshot) bool {
		return len(s.Conversations) == 1 && s.Conversations[0].UnreadCount == 1
	}))

	require.NoError(t, conn.WriteJSON(handler.WSRequest{
		Type:           handler.WSOpenConversation,
		RequestID:      "open-1",
		ConversationID: convID,
	}))
	ack, _ := readAckAndSnapshot(t, conn, "open-1", func(s *service.Snapshot) bool {
		return s.CurrentConversation != nil && s.CurrentConversation.ID == convID && len(s.Messages) == 1
	})
	assert.Equal(t, "success", ack.Status)

	// A message from the other side arrives through the change feed.
	_, err := f.messages.Send(context.Background(), f.alice.ID, service.SendInput{
		ConversationID: convID,
		Content:        "are you there?",
	})
	require.NoError(t, err)

	final := readUntil(t, conn, snapshotWhere(func(s *service.Snapshot) bool {
		return len(s.Messages) == 2
	}))
	assert.Equal(t, "are you there?", final.Snapshot.Messages[1].Content)

	// Presence is recorded while connected.
	var bob models.User
	require.NoError(t, f.db.First(&bob, "id = ?", f.bob.ID).Error)
	assert.Equal(t, models.StatusOnline, bob.Status)
}

func TestWebSocket_IntentErrorsAreAcked(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "private")

	conn := dialInbox(t, f, f.admin, nil)

	require.NoError(t, conn.WriteJSON(handler.WSRequest{
		Type:           handler.WSOpenConversation,
		RequestID:      "peek",
		ConversationID: convID,
	}))
	ack := readUntil(t, conn, ackFor("peek"))
	assert.Equal(t, "error", ack.Status)
	assert.Equal(t, apperr.KindAccessDenied, ack.Code)

	require.NoError(t, conn.WriteJSON(handler.WSRequest{Type: "dance", RequestID: "what"}))
	ack = readUntil(t, conn, ackFor("what"))
	assert.Equal(t, apperr.KindValidation, ack.Code)
}

func TestWebSocket_CreateAndSendWithCookieAuth(t *testing.T) {
	f := newAPIFixture(t)

	header := http.Header{}
	header.Set("Cookie", "token="+f.token(t, f.alice))
	conn := dialInbox(t, f, nil, header)

	require.NoError(t, conn.WriteJSON(handler.WSRequest{
		Type:      handler.WSCreateConversation,
		RequestID: "create",
		UserID:    f.bob.ID,
	}))
	ack := readUntil(t, conn, ackFor("create"))
	require.Equal(t, "success", ack.Status, ack.Error)
	convID := ack.ConversationID
	require.NotEmpty(t, convID)

	// No conversation id: the message goes to the conversation just opened.
	require.NoError(t, conn.WriteJSON(handler.WSRequest{
		Type:      handler.WSSendMessage,
		RequestID: "send",
		Content:   "is shipping included?",
	}))
	ack, _ = readAckAndSnapshot(t, conn, "send", func(s *service.Snapshot) bool {
		return len(s.Conversations) == 1 && len(s.Messages) == 1
	})
	require.Equal(t, "success", ack.Status, ack.Error)
	assert.Equal(t, convID, ack.ConversationID)
	assert.NotEmpty(t, ack.MessageID)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	f := newAPIFixture(t)
	server := httptest.NewServer(f.router)
	defer server.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, f.alice))
	header.Set("Origin", "http://evil.example")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
