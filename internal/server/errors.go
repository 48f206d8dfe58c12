package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type fieldErrorPayload struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeError maps an operation failure to exactly one response body.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		fields := make([]fieldErrorPayload, 0, len(validationErr.Errors))
		for _, fieldErr := range validationErr.Errors {
			fields = append(fields, fieldErrorPayload{Field: fieldErr.Field, Message: fieldErr.Message})
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "fields": fields})
	case errors.Is(err, domain.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, domain.ErrRemote):
		remoteErr := domain.AsRemoteError(err)
		h.logger.Warn("remote call failed",
			zap.String("operation", operation),
			zap.String("reason", remoteErr.Code),
			zap.Error(err),
		)
		c.JSON(remoteStatus(remoteErr.Code), gin.H{
			"error":   "remote_error",
			"code":    remoteErr.Code,
			"message": remoteErr.Error(),
		})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func remoteStatus(code string) int {
	switch code {
	case domain.CodeInvalidEmail, domain.CodeWeakPassword, domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeUserNotFound, domain.CodeWrongPassword, domain.CodeSessionInvalidated:
		return http.StatusUnauthorized
	case domain.CodeEmailAlreadyInUse:
		return http.StatusConflict
	case domain.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
