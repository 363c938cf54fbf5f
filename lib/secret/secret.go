// Package secret holds the shared key that signs and verifies challenges.
package secret

import (
	"errors"
	"sync/atomic"
)

var (
	ErrNotReady     = errors.New("secret: no secret installed")
	ErrInvalidInput = errors.New("secret: secret must not be empty")
	ErrAlreadySet   = errors.New("secret: a secret is already installed")
)

// Context holds a secret that can be installed exactly once. The zero value is
// ready to use and holds no secret.
//
// Installs are atomic: readers either see no secret or the complete first
// one, never a partially written value.
type Context struct {
	val atomic.Pointer[[]byte]
}

// New returns a Context with secret already installed.
func New(secret []byte) (*Context, error) {
	result := &Context{}
	if err := result.Set(secret); err != nil {
		return nil, err
	}

	return result, nil
}

// Set installs secret. The bytes are copied. If a secret is already installed
// the call has no effect and returns ErrAlreadySet; the first secret is kept.
func (c *Context) Set(secret []byte) error {
	if len(secret) == 0 {
		return ErrInvalidInput
	}

	buf := make([]byte, len(secret))
	copy(buf, secret)

	if !c.val.CompareAndSwap(nil, &buf) {
		return ErrAlreadySet
	}

	return nil
}

// Get returns the installed secret. Callers must not modify it.
func (c *Context) Get() ([]byte, error) {
	p := c.val.Load()
	if p == nil {
		return nil, ErrNotReady
	}

	return *p, nil
}

func (c *Context) Installed() bool {
	return c.val.Load() != nil
}
