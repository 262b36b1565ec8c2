package transport

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of platform failures the delivery path reacts to.
type ErrorKind string

const (
	KindBlocked         ErrorKind = "blocked"
	KindChatNotFound    ErrorKind = "chat_not_found"
	KindUserDeactivated ErrorKind = "user_deactivated"
	KindRateLimited     ErrorKind = "rate_limited"
	KindOther           ErrorKind = "other"
)

// Error is a failure reported by the chat platform.
// Adapters translate raw client errors into Error exactly once.
type Error struct {
	Kind        ErrorKind
	Code        int
	Description string
	RetryAfter  int // seconds; only set for KindRateLimited

	Err error // underlying client error, may be nil
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("transport %s (%d): %s", e.Kind, e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

// RecipientGone reports whether the error means the recipient can no longer be reached.
func (e *Error) RecipientGone() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindBlocked, KindChatNotFound, KindUserDeactivated:
		return true
	}
	return false
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) && te != nil {
		return te, true
	}
	return nil, false
}
