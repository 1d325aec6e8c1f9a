package chat

import (
	"errors"
	"fmt"

	"github.com/quild-ai/quild/server/internal/llm"
)

var (
	ErrMessageRequired      = errors.New("message is required")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrConversationNotFound = errors.New("conversation not found")
)

// UpstreamError is a failure of the completion provider, either when the
// stream is opened or while it is read.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PublicMessage is the text shown to the client for err. Internal details are
// never included.
func PublicMessage(err error) string {
	var upstream *UpstreamError
	var unsupported llm.ErrUnsupportedProvider
	switch {
	case errors.Is(err, ErrMessageRequired):
		return "Message is required"
	case errors.Is(err, ErrConversationNotFound):
		return "Conversation not found"
	case errors.As(err, &unsupported):
		return unsupported.Error()
	case errors.Is(err, ErrInvalidRequest):
		return "Invalid request"
	case errors.As(err, &upstream):
		return "Bad Gateway"
	default:
		return "Internal Server Error"
	}
}
