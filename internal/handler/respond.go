package handler

import (
	"errors"
	"net/http"

	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError writes err as {"error", "code"}. Causes never reach the client.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		logger.Log.Error("Unhandled error",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
		})
		return
	}

	if status >= http.StatusInternalServerError {
		logger.Log.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", string(appErr.Kind)),
			zap.Error(err),
		)
	}

	c.JSON(status, gin.H{
		"error": appErr.Message,
		"code":  appErr.Kind,
	})
}
