package middleware

import (
	"errors"
	"net/http"

	"peermesh/internal/core/domain"
	pmerrors "peermesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler converts errors attached to the gin context into JSON
// responses with a status derived from the error.
func ErrorHandler(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := statusFor(err)

		if status >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		c.JSON(status, gin.H{"error": err.Error()})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPeerNotConnected),
		errors.Is(err, domain.ErrUnknownPreset):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrNotInRoom):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionDestroyed):
		return http.StatusGone
	}

	switch pmerrors.KindOf(err) {
	case pmerrors.KindPeerUnavailable:
		return http.StatusBadGateway
	case pmerrors.KindTransportFatal:
		return http.StatusServiceUnavailable
	case pmerrors.KindCapture, pmerrors.KindMedia:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Recovery turns panics into 500s instead of dropped connections.
func Recovery(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"error", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
