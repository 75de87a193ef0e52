package handler_test

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listBody struct {
	Conversations []service.EnrichedConversation `json:"conversations"`
	Count         int                            `json:"count"`
}

type timelineBody struct {
	Messages []service.TimelineMessage `json:"messages"`
}

func TestInbox_RequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, nil, http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInbox_ListConversations(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "is the lamp still available?")

	w := f.do(t, f.bob, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body listBody
	decode(t, w, &body)
	require.Equal(t, 1, body.Count)
	row := body.Conversations[0]
	assert.Equal(t, convID, row.ID)
	assert.Equal(t, f.alice.ID, row.OtherUser.ID)
	assert.Equal(t, 1, row.UnreadCount)
	require.NotNil(t, row.LastMessage)
	assert.Equal(t, "is the lamp still available?", row.LastMessage.Content)

	w = f.do(t, f.bob, http.MethodGet, "/api/conversations?filter=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, f.admin, http.MethodGet, "/api/conversations", nil)
	decode(t, w, &body)
	assert.Zero(t, body.Count)
}

func TestInbox_CreateConversationReusesPair(t *testing.T) {
	f := newAPIFixture(t)
	first := f.conversation(t, "hello")

	w := f.do(t, f.bob, http.MethodPost, "/api/conversations", map[string]string{"user_id": f.alice.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), first)

	w = f.do(t, f.alice, http.MethodPost, "/api/conversations", map[string]string{"user_id": f.alice.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, f.alice, http.MethodPost, "/api/conversations", map[string]string{"user_id": "missing-user"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInbox_OutsidersGetGenericDenial(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "private")

	stranger := f.do(t, f.admin, http.MethodGet, "/api/conversations/"+convID+"/messages", nil)
	missing := f.do(t, f.admin, http.MethodGet, "/api/conversations/does-not-exist/messages", nil)

	assert.Equal(t, http.StatusForbidden, stranger.Code)
	assert.Equal(t, http.StatusForbidden, missing.Code)
	assert.JSONEq(t, stranger.Body.String(), missing.Body.String())
	assert.Contains(t, stranger.Body.String(), string(apperr.KindAccessDenied))

	w := f.do(t, f.admin, http.MethodPost, "/api/conversations/"+convID+"/messages", map[string]string{"content": "let me in"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInbox_SendReplyAndTimeline(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "how much?")

	var first timelineBody
	decode(t, f.do(t, f.bob, http.MethodGet, "/api/conversations/"+convID+"/messages", nil), &first)
	require.Len(t, first.Messages, 1)

	w := f.do(t, f.bob, http.MethodPost, "/api/conversations/"+convID+"/messages", map[string]string{
		"content":     "40 euros",
		"reply_to_id": first.Messages[0].ID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var timeline timelineBody
	decode(t, f.do(t, f.alice, http.MethodGet, "/api/conversations/"+convID+"/messages", nil), &timeline)
	require.Len(t, timeline.Messages, 2)
	reply := timeline.Messages[1]
	assert.Equal(t, "40 euros", reply.Content)
	assert.Equal(t, f.bob.ID, reply.Sender.ID)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "how much?", reply.ReplyTo.Content)

	w = f.do(t, f.bob, http.MethodPost, "/api/conversations/"+convID+"/messages", map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInbox_SendDocumentMultipart(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "sending the invoice")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("content", "invoice attached"))
	part, err := form.CreateFormFile("file", "invoice.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+convID+"/messages", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.token(t, f.alice))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"kind":"file"`)
	assert.Contains(t, w.Body.String(), `"file_name":"invoice.pdf"`)
	assert.Contains(t, w.Body.String(), "http://media.test/chat-files/"+f.alice.ID+"/")

	stored, err := filepath.Glob(filepath.Join(f.mediaDir, "chat-files", f.alice.ID, "*.pdf"))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestInbox_MarkReadAndFlags(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "ping")
	base := "/api/conversations/" + convID

	w := f.do(t, f.bob, http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updated":1}`, w.Body.String())

	var unread listBody
	decode(t, f.do(t, f.bob, http.MethodGet, "/api/conversations?filter=unread", nil), &unread)
	assert.Zero(t, unread.Count)

	w = f.do(t, f.alice, http.MethodPost, base+"/star", nil)
	assert.JSONEq(t, `{"is_starred":true}`, w.Body.String())

	w = f.do(t, f.alice, http.MethodPost, base+"/archive", nil)
	assert.JSONEq(t, `{"is_archived":true}`, w.Body.String())

	var all, archived listBody
	decode(t, f.do(t, f.alice, http.MethodGet, "/api/conversations", nil), &all)
	decode(t, f.do(t, f.alice, http.MethodGet, "/api/conversations?filter=archived", nil), &archived)
	assert.Zero(t, all.Count)
	assert.Equal(t, 1, archived.Count)

	// Archived conversations must be restored before they can be deleted.
	w = f.do(t, f.alice, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.do(t, f.alice, http.MethodPost, base+"/archive", nil)
	w = f.do(t, f.alice, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	decode(t, f.do(t, f.alice, http.MethodGet, "/api/conversations", nil), &all)
	assert.Zero(t, all.Count)
	decode(t, f.do(t, f.bob, http.MethodGet, "/api/conversations", nil), &all)
	assert.Equal(t, 1, all.Count)
}

func TestInbox_DeleteMessageIsPerSideAndIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "first")
	f.do(t, f.alice, http.MethodPost, "/api/conversations/"+convID+"/messages", map[string]string{"content": "oops"})

	var timeline timelineBody
	decode(t, f.do(t, f.alice, http.MethodGet, "/api/conversations/"+convID+"/messages", nil), &timeline)
	require.Len(t, timeline.Messages, 2)
	target := "/api/conversations/" + convID + "/messages/" + timeline.Messages[1].ID

	w := f.do(t, f.alice, http.MethodPost, target+"/star", nil)
	assert.JSONEq(t, `{"is_starred":true}`, w.Body.String())

	assert.Equal(t, http.StatusNoContent, f.do(t, f.alice, http.MethodDelete, target, nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, f.alice, http.MethodDelete, target, nil).Code)

	decode(t, f.do(t, f.alice, http.MethodGet, "/api/conversations/"+convID+"/messages", nil), &timeline)
	assert.Len(t, timeline.Messages, 1)
	decode(t, f.do(t, f.bob, http.MethodGet, "/api/conversations/"+convID+"/messages", nil), &timeline)
	assert.Len(t, timeline.Messages, 2)
}

func TestAdmin_SpamReportsAndBan(t *testing.T) {
	f := newAPIFixture(t)
	convID := f.conversation(t, "buy followers cheap")

	w := f.do(t, f.bob, http.MethodPost, "/api/conversations/"+convID+"/spam", nil)
	assert.JSONEq(t, `{"is_spam":true}`, w.Body.String())

	assert.Equal(t, http.StatusForbidden, f.do(t, f.bob, http.MethodGet, "/api/admin/spam", nil).Code)

	w = f.do(t, f.admin, http.MethodGet, "/api/admin/spam", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reports struct {
		Reports []service.SpamReport `json:"reports"`
		Count   int                  `json:"count"`
	}
	decode(t, w, &reports)
	require.Equal(t, 1, reports.Count)
	assert.Equal(t, convID, reports.Reports[0].ID)

	w = f.do(t, f.admin, http.MethodPost, "/api/admin/ban", map[string]string{"user_id": f.alice.ID, "reason": "spam"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, f.admin, http.MethodPost, "/api/admin/ban", map[string]string{"user_id": f.admin.ID, "reason": "oops"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, f.admin, http.MethodGet, "/api/admin/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), f.alice.ID)

	// The banned sender still shows up in bob's inbox.
	var list listBody
	decode(t, f.do(t, f.bob, http.MethodGet, "/api/conversations?filter=spam", nil), &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, f.alice.ID, list.Conversations[0].OtherUser.ID)
}
