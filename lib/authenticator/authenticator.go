// Package authenticator signs and verifies challenge fields with HMAC.
package authenticator

import (
	"crypto/hmac"
	"errors"

	"github.com/uvensys/bastet/lib/challenge"
)

// ErrBadSecret is returned when the key can't be used for HMAC.
var ErrBadSecret = errors.New("authenticator: secret must not be empty")

// Authenticator computes HMAC tags with the hash of a challenge.Digest.
type Authenticator struct {
	digest challenge.Digest
}

func New(d challenge.Digest) *Authenticator {
	return &Authenticator{digest: d}
}

// Size is the length of tags produced by Sign.
func (a *Authenticator) Size() int {
	return a.digest.Size()
}

// Sign returns the HMAC of parts concatenated in order.
func (a *Authenticator) Sign(secret []byte, parts ...[]byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrBadSecret
	}

	mac := hmac.New(a.digest.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}

	return mac.Sum(nil), nil
}

// Verify reports whether tag is the HMAC of parts. The comparison runs in
// constant time. A wrong tag is not an error.
func (a *Authenticator) Verify(secret []byte, tag []byte, parts ...[]byte) (bool, error) {
	expected, err := a.Sign(secret, parts...)
	if err != nil {
		return false, err
	}

	return hmac.Equal(tag, expected), nil
}
