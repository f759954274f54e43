package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"chime/internal/chat"
	"chime/internal/providers"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success":     false,
		"message":     message,
		"status_code": status,
	})
}

// writeError maps the chat error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve      *chat.ValidationError
		tooLong *chat.ConversationTooLongError
		upErr   *providers.UpstreamError
	)
	body := map[string]any{"success": false}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		status = http.StatusForbidden
		body["message"] = "Unauthorized"
	case errors.Is(err, chat.ErrConversationNotFound):
		status = http.StatusNotFound
		body["message"] = "Conversation not found"
	case errors.As(err, &ve):
		status = http.StatusUnprocessableEntity
		body["message"] = ve.Message
		body["errors"] = map[string][]string{ve.Field: {ve.Message}}
	case errors.Is(err, providers.ErrInvalidModel), errors.Is(err, providers.ErrInvalidTemperature):
		status = http.StatusUnprocessableEntity
		body["message"] = err.Error()
	case errors.As(err, &tooLong):
		status = http.StatusBadRequest
		body["message"] = "Conversation is too long. Please start a new conversation."
		body["total_tokens"] = tooLong.TotalTokens
	case errors.Is(err, chat.ErrRateLimited):
		status = http.StatusTooManyRequests
		body["message"] = err.Error()
	case errors.As(err, &upErr):
		body["message"] = "Upstream provider request failed"
		body["upstream_status"] = upErr.StatusCode
		body["upstream_body"] = upErr.Body
	default:
		body["message"] = "Internal server error"
	}
	body["status_code"] = status

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, body)
}
