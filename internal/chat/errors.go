package chat

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrRateLimited          = errors.New("hourly chat limit reached")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConversationTooLongError rejects a turn whose conversation already spent its budget.
type ConversationTooLongError struct {
	TotalTokens int64
	Limit       int64
}

func (e *ConversationTooLongError) Error() string {
	return fmt.Sprintf("conversation too long: %d tokens used, limit is %d", e.TotalTokens, e.Limit)
}
