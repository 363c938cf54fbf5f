package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrExpired    = errors.New("challenge: expired")
	ErrDifficulty = errors.New("challenge: insufficient difficulty")
	ErrClock      = errors.New("challenge: clock error")
	ErrIntegrity  = errors.New("challenge: authentication tag does not match")
)

func NewError(verb, publicReason string, privateReason error) *Error {
	return &Error{
		Verb:          verb,
		PublicReason:  publicReason,
		PrivateReason: privateReason,
		StatusCode:    http.StatusForbidden,
	}
}

// Error wraps a failure with a reason that is safe to show to clients.
type Error struct {
	PrivateReason error
	Verb          string
	PublicReason  string
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge: error when processing challenge: %s: %v", e.Verb, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}
