package apperr

import "errors"

var (
	ErrConnectFailed        = errors.New("connect failed")
	ErrNotConnected         = errors.New("not connected")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrPersistFailed        = errors.New("persist failed")
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
)

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrNotificationNotFound)
}

// Code maps an error to the snake_case code carried by websocket error frames.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		return "conversation_not_found"
	case errors.Is(err, ErrMessageNotFound):
		return "message_not_found"
	case errors.Is(err, ErrNotificationNotFound):
		return "notification_not_found"
	case errors.Is(err, ErrPersistFailed):
		return "persist_failed"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
