package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/auth"
	"github.com/whisper/dm-chat/internal/chat"
)

const userKey = "user"

// requireAuth rejects requests without a valid credential and stores the
// authenticated user on the context.
func requireAuth(gate Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := gate.Authenticate(c.Request)
		if err != nil {
			reason := auth.Reason(err)
			if reason == "error" {
				logger.Error("authenticate request", zap.Error(err))
				abort(c, http.StatusInternalServerError, "Internal Server Error")
				return
			}
			abort(c, http.StatusUnauthorized, auth.Message(err))
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// currentUser returns the user stored by requireAuth.
func currentUser(c *gin.Context) *chat.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*chat.User)
	return u
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}
