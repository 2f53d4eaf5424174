package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"erasmusly/messaging-service/internal/realtime"
	"erasmusly/messaging-service/internal/repository"
	"erasmusly/messaging-service/internal/service"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Error: message, Code: code})
}

// classify maps a domain error to an HTTP status, a stable code and a message
// safe to show the client.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrEmptyContent):
		return http.StatusBadRequest, "validation_error", "message content must not be empty"
	case errors.Is(err, service.ErrSelfConversation):
		return http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, service.ErrBadRequest):
		return http.StatusBadRequest, "bad_request", err.Error()
	case errors.Is(err, realtime.ErrNotIdentified), errors.Is(err, realtime.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized", err.Error()
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotParticipant):
		return http.StatusForbidden, "forbidden", "user is not a participant in this chat"
	case errors.Is(err, service.ErrChatNotFound):
		return http.StatusNotFound, "not_found", "chat not found"
	case errors.Is(err, service.ErrUnknownUser):
		return http.StatusNotFound, "not_found", "user not found"
	case errors.Is(err, repository.ErrMessageNotFound):
		return http.StatusNotFound, "not_found", "message not found"
	default:
		return http.StatusInternalServerError, "internal_error", "server error"
	}
}

func isSecurityRelevant(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
