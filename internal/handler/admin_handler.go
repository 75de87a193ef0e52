package handler

import (
	"net/http"

	"github.com/Baaaki/bazaar-inbox/internal/middleware"
	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AdminHandler struct {
	moderation *service.ModerationService
}

func NewAdminHandler(moderation *service.ModerationService) *AdminHandler {
	return &AdminHandler{
		moderation: moderation,
	}
}

type BanUserRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// GET /api/admin/users
func (h *AdminHandler) GetAllUsers(c *gin.Context) {
	users, err := h.moderation.ListUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"users": users,
	})
}

// GET /api/admin/spam
func (h *AdminHandler) GetSpamReports(c *gin.Context) {
	reports, err := h.moderation.ListSpam(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// POST /api/admin/ban
func (h *AdminHandler) BanUser(c *gin.Context) {
	var req BanUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Log.Warn("Ban user request parsing failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	adminID := middleware.UserID(c)
	logger.Log.Info("Admin banning user",
		zap.String("admin_id", adminID),
		zap.String("target_user_id", req.UserID),
		zap.String("reason", req.Reason),
	)

	if err := h.moderation.BanUser(c.Request.Context(), req.UserID, adminID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "User banned successfully",
	})
}
