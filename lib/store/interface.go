package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyClaimed is returned when a key has already been claimed and
	// its claim has not expired yet.
	ErrAlreadyClaimed = errors.New("store: key already claimed")

	// ErrCantDecode is returned when a store adaptor cannot decode the store format
	// to a value used by the code.
	ErrCantDecode = errors.New("store: can't decode value")

	// ErrCantEncode is returned when a store adaptor cannot encode the value into
	// the format that the store uses.
	ErrCantEncode = errors.New("store: can't encode value")

	// ErrBadConfig is returned when a store adaptor's configuration is invalid.
	ErrBadConfig = errors.New("store: configuration is invalid")
)

// Interface defines the calls that bastet uses to remember which solved
// challenges were already spent. This can be implemented with an in-memory,
// on-disk, or in-database storage backend.
//
// Claims only need to live as long as the challenge they belong to; after
// that the challenge is rejected as expired anyway.
type Interface interface {
	// Claim records key for expiry. It is an atomic check-and-set: if key is
	// already claimed and the claim has not expired, Claim returns
	// ErrAlreadyClaimed and changes nothing.
	Claim(ctx context.Context, key string, expiry time.Duration) error

	// Claimed reports whether key currently holds an unexpired claim.
	Claimed(ctx context.Context, key string) (bool, error)
}
