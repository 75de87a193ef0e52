package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/media"
	"github.com/Baaaki/bazaar-inbox/internal/middleware"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/internal/utils"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Inline attachments arrive base64 encoded; larger files go through
	// the multipart endpoint.
	maxMessageSize = 16 << 20
)

type WSIntent string

const (
	WSLoadConversations  WSIntent = "load_conversations"
	WSOpenConversation   WSIntent = "open_conversation"
	WSCloseConversation  WSIntent = "close_conversation"
	WSCreateConversation WSIntent = "create_conversation"
	WSSendMessage        WSIntent = "send_message"
	WSMarkRead           WSIntent = "mark_read"
	WSToggleStar         WSIntent = "toggle_star"
	WSArchive            WSIntent = "archive_conversation"
	WSReport             WSIntent = "report_conversation"
	WSDeleteMessage      WSIntent = "delete_message"
	WSDeleteConversation WSIntent = "delete_conversation"
	WSClearError         WSIntent = "clear_error"
)

type WSRequest struct {
	Type           WSIntent        `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	ReplyToID      string          `json:"reply_to_id,omitempty"`
	OrderDetails   json.RawMessage `json:"order_details,omitempty"`
	Attachment     *WSAttachment   `json:"attachment,omitempty"`
}

// WSAttachment carries file bytes as base64 in JSON.
type WSAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type WSResponse struct {
	Type           string            `json:"type"` // "snapshot", "ack", "session_expired"
	RequestID      string            `json:"request_id,omitempty"`
	Status         string            `json:"status,omitempty"`
	Error          string            `json:"error,omitempty"`
	Code           apperr.Kind       `json:"code,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Snapshot       *service.Snapshot `json:"snapshot,omitempty"`

	closeAfter bool
}

// WebSocketHandler hosts one service.Session per connection and streams
// its snapshots to the client.
type WebSocketHandler struct {
	inbox    service.Inbox
	auth     *service.AuthService
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

type Client struct {
	conn        *websocket.Conn
	session     *service.Session
	userID      string
	username    string
	connectedAt time.Time
	log         *zap.Logger

	out       chan WSResponse
	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketHandler(inbox service.Inbox, auth *service.AuthService, allowedOrigins []string) *WebSocketHandler {
	h := &WebSocketHandler{
		inbox:   inbox,
		auth:    auth,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// GET /api/ws
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	claimsValue, exists := c.Get(middleware.ContextClaims)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	claims, ok := claimsValue.(*utils.Claims)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid claims format"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	// The request context does not outlive a hijacked connection reliably.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{
		conn:        conn,
		session:     service.NewSession(claims.UserID, h.inbox),
		userID:      claims.UserID,
		username:    claims.Username,
		connectedAt: time.Now(),
		log:         logger.Named("ws").With(zap.String("user_id", claims.UserID)),
		out:         make(chan WSResponse, 16),
		dirty:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	client.session.OnChange(func(service.Snapshot) { client.markDirty() })

	h.register(ctx, client)
	defer h.unregister(client)

	go client.writePump()

	if err := client.session.Start(ctx); err != nil {
		client.log.Warn("Session start failed", zap.Error(err))
	}
	client.markDirty()

	if claims.ExpiresAt != nil {
		expiry := time.AfterFunc(time.Until(claims.ExpiresAt.Time), func() {
			client.send(WSResponse{Type: "session_expired", Error: "token expired", closeAfter: true})
		})
		defer expiry.Stop()
	}

	h.readPump(ctx, client)
}

func (h *WebSocketHandler) register(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	first := h.connectionsLocked(client.userID) == 1
	total := len(h.clients)
	h.mu.Unlock()

	if first && h.auth != nil {
		if err := h.auth.SetStatus(ctx, client.userID, models.StatusOnline); err != nil {
			client.log.Warn("Failed to record presence", zap.Error(err))
		}
	}
	client.log.Info("Client connected",
		zap.String("username", client.username),
		zap.Int("total", total),
	)
}

func (h *WebSocketHandler) unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	last := h.connectionsLocked(client.userID) == 0
	remaining := len(h.clients)
	h.mu.Unlock()

	client.close()
	if err := client.session.Close(); err != nil {
		client.log.Warn("Session close failed", zap.Error(err))
	}

	if last && h.auth != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := h.auth.SetStatus(ctx, client.userID, models.StatusOffline); err != nil {
			client.log.Warn("Failed to record presence", zap.Error(err))
		}
	}
	client.log.Info("Client disconnected",
		zap.Duration("session_duration", time.Since(client.connectedAt).Round(time.Second)),
		zap.Int("remaining", remaining),
	)
}

func (h *WebSocketHandler) connectionsLocked(userID string) int {
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// CloseAll disconnects every client, used on shutdown.
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.send(WSResponse{Type: "session_expired", Error: "server shutting down", closeAfter: true})
	}
}

func (h *WebSocketHandler) readPump(ctx context.Context, client *Client) {
	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req WSRequest
		if err := client.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.log.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		// Attachment sends may spend a long time compressing; the client
		// keeps navigating meanwhile and sees progress in snapshots. A
		// disconnect does not abort the upload.
		if req.Type == WSSendMessage && req.Attachment != nil {
			go h.dispatch(context.WithoutCancel(ctx), client, req)
			continue
		}
		h.dispatch(ctx, client, req)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, client *Client, req WSRequest) {
	s := client.session
	resp := WSResponse{Type: "ack", RequestID: req.RequestID, ConversationID: req.ConversationID}

	var err error
	switch req.Type {
	case WSLoadConversations:
		err = s.LoadConversations(ctx)
	case WSOpenConversation:
		err = s.LoadMessages(ctx, req.ConversationID)
	case WSCloseConversation:
		s.CloseConversation()
	case WSCreateConversation:
		resp.ConversationID, err = s.CreateOrReuseConversation(ctx, req.UserID, req.Content)
	case WSSendMessage:
		var msg *models.Message
		msg, err = s.SendMessage(ctx, sendInputFrom(req))
		if msg != nil {
			resp.MessageID = msg.ID
			resp.ConversationID = msg.ConversationID
		}
	case WSMarkRead:
		err = s.MarkAsRead(ctx, req.ConversationID)
	case WSToggleStar:
		resp.MessageID = req.MessageID
		err = s.ToggleStar(ctx, req.ConversationID, req.MessageID)
	case WSArchive:
		err = s.ArchiveConversation(ctx, req.ConversationID)
	case WSReport:
		err = s.ReportConversation(ctx, req.ConversationID)
	case WSDeleteMessage:
		resp.MessageID = req.MessageID
		err = s.DeleteMessage(ctx, req.ConversationID, req.MessageID)
	case WSDeleteConversation:
		err = s.DeleteConversation(ctx, req.ConversationID)
	case WSClearError:
		s.ClearError()
	default:
		err = apperr.Validation("unknown message type")
	}

	resp.Status = "success"
	if err != nil {
		resp.Status = "error"
		resp.Error = "internal error"
		resp.Code = apperr.KindOf(err)
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			resp.Error = appErr.Message
		}
	}
	client.send(resp)
}

func sendInputFrom(req WSRequest) service.SendInput {
	in := service.SendInput{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		ReplyToID:      optional(req.ReplyToID),
		OrderDetails:   req.OrderDetails,
	}
	if a := req.Attachment; a != nil {
		in.File = &media.File{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        int64(len(a.Data)),
			Data:        a.Data,
		}
	}
	return in
}

// markDirty coalesces change notifications; the writer sends the latest
// snapshot once per signal.
func (c *Client) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Client) send(resp WSResponse) {
	select {
	case c.out <- resp:
	case <-c.done:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump is the only goroutine writing to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-c.dirty:
			snap := c.session.Snapshot()
			if err := c.write(WSResponse{Type: "snapshot", Snapshot: &snap}); err != nil {
				c.close()
				return
			}

		case resp := <-c.out:
			if err := c.write(resp); err != nil {
				c.close()
				return
			}
			if resp.closeAfter {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, resp.Error))
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("Ping failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *Client) write(resp WSResponse) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(resp); err != nil {
		c.log.Debug("WebSocket write failed", zap.String("type", resp.Type), zap.Error(err))
		return err
	}
	return nil
}
