// Package cookie packs a challenge, a candidate nonce and the challenge's
// authentication tag into the fixed 82 byte bastet cookie.
//
// Layout, all integers little endian:
//
//	payload         32 bytes
//	expires_at       8 bytes
//	difficulty_bits  2 bytes
//	nonce            8 bytes
//	tag             32 bytes
//
// The text form is the layout encoded with URL-safe Base64 without padding.
package cookie

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/uvensys/bastet/lib/challenge"
)

const (
	PayloadLen    = challenge.PayloadSize
	ExpiresLen    = 8
	DifficultyLen = 2
	NonceLen      = 8
	TagLen        = 32

	Len = PayloadLen + ExpiresLen + DifficultyLen + NonceLen + TagLen
)

const (
	expiresOff    = PayloadLen
	difficultyOff = expiresOff + ExpiresLen
	nonceOff      = difficultyOff + DifficultyLen
	tagOff        = nonceOff + NonceLen
)

var (
	ErrDecode = errors.New("cookie: can't decode")
	ErrLength = errors.New("cookie: wrong length")
)

// Encoding is the text encoding of cookies. Decoding is strict: unused
// trailing bits must be zero.
var Encoding = base64.RawURLEncoding.Strict()

// Decode decodes text in Encoding. The decoder skips line breaks, so they
// are rejected first; every value has exactly one accepted text form.
func Decode(text []byte) ([]byte, error) {
	if bytes.ContainsAny(text, "\r\n") {
		return nil, fmt.Errorf("%w: line break in input", ErrDecode)
	}

	raw := make([]byte, Encoding.DecodedLen(len(text)))
	n, err := Encoding.Decode(raw, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return raw[:n], nil
}

// Cookie is a challenge plus a solver's nonce and the issuer's tag. The tag
// covers the challenge fields only, never the nonce.
type Cookie struct {
	Payload        [PayloadLen]byte
	ExpiresAt      uint64
	DifficultyBits uint16
	Nonce          uint64
	Tag            [TagLen]byte
}

// New assembles a cookie. tag must be TagLen bytes long.
func New(c *challenge.Challenge, nonce uint64, tag []byte) (*Cookie, error) {
	if len(tag) != TagLen {
		return nil, fmt.Errorf("%w: tag is %d bytes, wanted %d", ErrLength, len(tag), TagLen)
	}

	result := &Cookie{
		Payload:        c.Payload,
		ExpiresAt:      c.ExpiresAt,
		DifficultyBits: c.DifficultyBits,
		Nonce:          nonce,
	}
	copy(result.Tag[:], tag)

	return result, nil
}

// Challenge returns the challenge fields of the cookie.
func (c *Cookie) Challenge() *challenge.Challenge {
	return &challenge.Challenge{
		Payload:        c.Payload,
		ExpiresAt:      c.ExpiresAt,
		DifficultyBits: c.DifficultyBits,
	}
}

func (c *Cookie) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Len)
	copy(buf, c.Payload[:])
	binary.LittleEndian.PutUint64(buf[expiresOff:], c.ExpiresAt)
	binary.LittleEndian.PutUint16(buf[difficultyOff:], c.DifficultyBits)
	binary.LittleEndian.PutUint64(buf[nonceOff:], c.Nonce)
	copy(buf[tagOff:], c.Tag[:])
	return buf, nil
}

// UnmarshalBinary parses the raw layout. Anything that is not exactly Len
// bytes long is rejected without looking at its contents.
func (c *Cookie) UnmarshalBinary(data []byte) error {
	if len(data) != Len {
		return fmt.Errorf("%w: got %d bytes, wanted %d", ErrLength, len(data), Len)
	}

	copy(c.Payload[:], data[:expiresOff])
	c.ExpiresAt = binary.LittleEndian.Uint64(data[expiresOff:difficultyOff])
	c.DifficultyBits = binary.LittleEndian.Uint16(data[difficultyOff:nonceOff])
	c.Nonce = binary.LittleEndian.Uint64(data[nonceOff:tagOff])
	copy(c.Tag[:], data[tagOff:])

	return nil
}

func (c *Cookie) MarshalText() ([]byte, error) {
	raw, _ := c.MarshalBinary()
	buf := make([]byte, Encoding.EncodedLen(len(raw)))
	Encoding.Encode(buf, raw)
	return buf, nil
}

func (c *Cookie) UnmarshalText(text []byte) error {
	raw, err := Decode(text)
	if err != nil {
		return err
	}

	if err := c.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return nil
}

func (c *Cookie) String() string {
	text, _ := c.MarshalText()
	return string(text)
}

// Parse decodes the text form of a cookie.
func Parse(text []byte) (*Cookie, error) {
	var result Cookie
	if err := result.UnmarshalText(text); err != nil {
		return nil, err
	}

	return &result, nil
}
