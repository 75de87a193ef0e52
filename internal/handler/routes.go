package handler

import (
	"github.com/Baaaki/bazaar-inbox/internal/middleware"
	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Auth      *AuthHandler
	Inbox     *InboxHandler
	Admin     *AdminHandler
	WebSocket *WebSocketHandler
}

// RegisterRoutes mounts the API under /api. limiter may be nil.
func RegisterRoutes(router gin.IRouter, h Handlers, jwtSecret string, limiter *middleware.RateLimiter) {
	api := router.Group("/api")

	auth := api.Group("/auth")
	if limiter != nil {
		auth.Use(limiter.Middleware())
	}
	auth.POST("/register", h.Auth.Register)
	auth.POST("/login", h.Auth.Login)
	auth.POST("/logout", h.Auth.Logout)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(jwtSecret))
	if limiter != nil {
		// Runs after auth so authenticated requests are counted per user.
		protected.Use(limiter.Middleware())
	}
	{
		protected.GET("/ws", h.WebSocket.HandleWebSocket)

		conversations := protected.Group("/conversations")
		conversations.GET("", h.Inbox.ListConversations)
		conversations.POST("", h.Inbox.CreateConversation)
		conversations.DELETE("/:id", h.Inbox.DeleteConversation)
		conversations.GET("/:id/messages", h.Inbox.GetTimeline)
		conversations.POST("/:id/messages", h.Inbox.SendMessage)
		conversations.POST("/:id/read", h.Inbox.MarkAsRead)
		conversations.POST("/:id/star", h.Inbox.ToggleConversationStar)
		conversations.POST("/:id/archive", h.Inbox.ToggleArchive)
		conversations.POST("/:id/spam", h.Inbox.ToggleSpam)
		conversations.POST("/:id/messages/:messageId/star", h.Inbox.ToggleMessageStar)
		conversations.DELETE("/:id/messages/:messageId", h.Inbox.DeleteMessage)

		admin := protected.Group("/admin")
		admin.Use(middleware.AdminMiddleware())
		admin.GET("/users", h.Admin.GetAllUsers)
		admin.GET("/spam", h.Admin.GetSpamReports)
		admin.POST("/ban", h.Admin.BanUser)
	}
}
