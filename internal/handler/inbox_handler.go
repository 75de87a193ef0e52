package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Baaaki/bazaar-inbox/internal/media"
	"github.com/Baaaki/bazaar-inbox/internal/middleware"
	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/gin-gonic/gin"
)

// MaxUploadBytes bounds a multipart send before compression. Videos are
// compressed down to the pipeline limit afterwards.
const MaxUploadBytes = 100 << 20

// InboxHandler is the stateless REST surface over the messaging services.
// Live clients use the WebSocket instead, which keeps a Session per viewer.
type InboxHandler struct {
	directory *service.Directory
	timeline  *service.Timeline
	messages  *service.MessageService
}

func NewInboxHandler(directory *service.Directory, timeline *service.Timeline, messages *service.MessageService) *InboxHandler {
	return &InboxHandler{
		directory: directory,
		timeline:  timeline,
		messages:  messages,
	}
}

type CreateConversationRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Message string `json:"message"`
}

// GET /api/conversations?filter=unread
func (h *InboxHandler) ListConversations(c *gin.Context) {
	filter, ok := service.ParseFilter(c.DefaultQuery("filter", string(service.FilterAll)))
	if !ok {
		respondError(c, apperr.Validation("unknown filter"))
		return
	}

	list, err := h.directory.Load(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	list = service.FilterConversations(list, filter)
	c.JSON(http.StatusOK, gin.H{
		"conversations": list,
		"count":         len(list),
	})
}

// POST /api/conversations
func (h *InboxHandler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	id, err := h.messages.CreateOrReuse(c.Request.Context(), middleware.UserID(c), req.UserID, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

// GET /api/conversations/:id/messages
func (h *InboxHandler) GetTimeline(c *gin.Context) {
	conv, messages, err := h.timeline.Load(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

// POST /api/conversations/:id/messages
//
// Accepts JSON, or multipart/form-data with fields content, reply_to_id,
// order_details and an optional file.
func (h *InboxHandler) SendMessage(c *gin.Context) {
	in, err := bindSendInput(c)
	if err != nil {
		respondError(c, err)
		return
	}
	in.ConversationID = c.Param("id")

	msg, err := h.messages.Send(c.Request.Context(), middleware.UserID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

type sendRequest struct {
	Content      string          `json:"content"`
	ReplyToID    string          `json:"reply_to_id"`
	OrderDetails json.RawMessage `json:"order_details"`
}

func bindSendInput(c *gin.Context) (service.SendInput, error) {
	if c.ContentType() != gin.MIMEMultipartPOSTForm {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return service.SendInput{}, apperr.Validation("invalid request body")
		}
		return service.SendInput{
			Content:      req.Content,
			ReplyToID:    optional(req.ReplyToID),
			OrderDetails: req.OrderDetails,
		}, nil
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
	in := service.SendInput{
		Content:   c.PostForm("content"),
		ReplyToID: optional(c.PostForm("reply_to_id")),
	}
	if raw := c.PostForm("order_details"); raw != "" {
		in.OrderDetails = json.RawMessage(raw)
	}

	header, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil
	}
	if err != nil {
		return service.SendInput{}, apperr.Validation("invalid upload")
	}

	f, err := header.Open()
	if err != nil {
		return service.SendInput{}, apperr.Validation("invalid upload")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return service.SendInput{}, apperr.Validation("invalid upload")
	}

	in.File = &media.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        int64(len(data)),
		Data:        data,
	}
	return in, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// POST /api/conversations/:id/read
func (h *InboxHandler) MarkAsRead(c *gin.Context) {
	n, err := h.messages.MarkAsRead(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// POST /api/conversations/:id/star
func (h *InboxHandler) ToggleConversationStar(c *gin.Context) {
	h.toggle(c, "is_starred", h.messages.ToggleConversationStar)
}

// POST /api/conversations/:id/archive
func (h *InboxHandler) ToggleArchive(c *gin.Context) {
	h.toggle(c, "is_archived", h.messages.ToggleArchive)
}

// POST /api/conversations/:id/spam
func (h *InboxHandler) ToggleSpam(c *gin.Context) {
	h.toggle(c, "is_spam", h.messages.ToggleSpam)
}

func (h *InboxHandler) toggle(c *gin.Context, field string, fn func(ctx context.Context, conversationID, viewerID string) (bool, error)) {
	value, err := fn(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{field: value})
}

// POST /api/conversations/:id/messages/:messageId/star
func (h *InboxHandler) ToggleMessageStar(c *gin.Context) {
	starred, err := h.messages.ToggleMessageStar(c.Request.Context(), c.Param("id"), c.Param("messageId"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_starred": starred})
}

// DELETE /api/conversations/:id/messages/:messageId
func (h *InboxHandler) DeleteMessage(c *gin.Context) {
	if err := h.messages.DeleteMessage(c.Request.Context(), c.Param("id"), c.Param("messageId"), middleware.UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /api/conversations/:id
func (h *InboxHandler) DeleteConversation(c *gin.Context) {
	if err := h.messages.DeleteConversation(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
