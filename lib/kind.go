package lib

import (
	"errors"
	"net/http"

	"github.com/uvensys/bastet/lib/authenticator"
	"github.com/uvensys/bastet/lib/challenge"
	"github.com/uvensys/bastet/lib/cookie"
	"github.com/uvensys/bastet/lib/secret"
)

// Kind classifies the outcome of issuing or validating a challenge.
type Kind int

const (
	KindOK Kind = iota
	KindNotReady
	KindInvalidInput
	KindDecode
	KindIntegrity
	KindExpired
	KindDifficulty
	KindClock
	KindReplayed
	KindUnknown
)

var kindNames = [...]string{
	KindOK:           "ok",
	KindNotReady:     "not_ready",
	KindInvalidInput: "invalid_input",
	KindDecode:       "decode",
	KindIntegrity:    "integrity",
	KindExpired:      "expired",
	KindDifficulty:   "difficulty",
	KindClock:        "clock",
	KindReplayed:     "replayed",
	KindUnknown:      "unknown",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}

	return kindNames[k]
}

// KindOf classifies err. A nil error is KindOK.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, secret.ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrInvalidInput), errors.Is(err, secret.ErrInvalidInput), errors.Is(err, authenticator.ErrBadSecret):
		return KindInvalidInput
	case errors.Is(err, cookie.ErrDecode), errors.Is(err, cookie.ErrLength):
		return KindDecode
	case errors.Is(err, challenge.ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, challenge.ErrExpired):
		return KindExpired
	case errors.Is(err, challenge.ErrDifficulty):
		return KindDifficulty
	case errors.Is(err, challenge.ErrClock):
		return KindClock
	case errors.Is(err, ErrReplayed):
		return KindReplayed
	default:
		return KindUnknown
	}
}

// PublicReason is a message about the failure that is safe to show clients.
func (k Kind) PublicReason() string {
	switch k {
	case KindOK:
		return "ok"
	case KindInvalidInput:
		return "missing challenge response"
	case KindDecode:
		return "malformed challenge response"
	case KindIntegrity:
		return "challenge response was tampered with"
	case KindExpired:
		return "challenge expired"
	case KindDifficulty:
		return "challenge response is not a valid solution"
	case KindReplayed:
		return "challenge response was already used"
	default:
		return "internal server error"
	}
}

// StatusCode is the HTTP status a failure of this kind maps to.
func (k Kind) StatusCode() int {
	switch k {
	case KindOK:
		return http.StatusOK
	case KindInvalidInput, KindDecode:
		return http.StatusBadRequest
	case KindIntegrity, KindExpired, KindDifficulty, KindReplayed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
