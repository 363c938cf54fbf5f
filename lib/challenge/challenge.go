package challenge

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"time"
)

// PayloadSize is the number of random bytes in every challenge.
const PayloadSize = 32

// Challenge is a single proof-of-work puzzle. It carries everything needed to
// check a solution, so nothing about it has to be stored by the issuer.
type Challenge struct {
	Payload        [PayloadSize]byte // Random data the client hashes together with its nonce
	ExpiresAt      uint64            // UNIX timestamp (seconds) after which solutions are rejected
	DifficultyBits uint16            // Leading zero bits the solution digest must have
}

// Issue creates a new challenge that expires ttlMillis after now.
//
// rng must be a cryptographically secure source such as crypto/rand.Reader.
// The difficulty is taken as-is; values above 256 can never be satisfied
// unless the digest is all zeroes.
func Issue(rng io.Reader, now time.Time, ttlMillis uint64, difficultyBits uint16) (*Challenge, error) {
	result := &Challenge{
		DifficultyBits: difficultyBits,
	}

	if _, err := io.ReadFull(rng, result.Payload[:]); err != nil {
		return nil, fmt.Errorf("can't read random payload: %w", err)
	}

	nowMillis := now.UnixMilli()
	if nowMillis < 0 {
		return nil, fmt.Errorf("%w: %s is before the UNIX epoch", ErrClock, now)
	}

	if ttlMillis > math.MaxUint64-uint64(nowMillis) {
		return nil, fmt.Errorf("%w: ttl of %d ms overflows the clock", ErrClock, ttlMillis)
	}

	result.ExpiresAt = (uint64(nowMillis) + ttlMillis) / 1000

	return result, nil
}

// Validate checks nonce against the challenge. Expiry is checked before the
// proof of work, so a correct but late solution still fails with ErrExpired.
func (c *Challenge) Validate(d Digest, now time.Time, nonce uint64) error {
	unix := now.Unix()
	if unix < 0 {
		return fmt.Errorf("%w: %s is before the UNIX epoch", ErrClock, now)
	}

	if uint64(unix) > c.ExpiresAt {
		return fmt.Errorf("%w: expired at %d, now %d", ErrExpired, c.ExpiresAt, unix)
	}

	sum := d.Sum(c.Payload[:], NonceBytes(nonce))

	if lz := LeadingZeroBits(sum); lz < int(c.DifficultyBits) {
		return fmt.Errorf("%w: wanted %d leading zero bits but got %d", ErrDifficulty, c.DifficultyBits, lz)
	}

	return nil
}

// SignedParts returns the fields covered by the authentication tag in wire
// order: payload, expires_at (LE 8 bytes), difficulty_bits (LE 2 bytes).
func (c *Challenge) SignedParts() [][]byte {
	var exp [8]byte
	var dif [2]byte
	binary.LittleEndian.PutUint64(exp[:], c.ExpiresAt)
	binary.LittleEndian.PutUint16(dif[:], c.DifficultyBits)

	return [][]byte{c.Payload[:], exp[:], dif[:]}
}

// NonceBytes encodes a nonce the way it is fed into the digest.
func NonceBytes(nonce uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	return buf[:]
}

// LeadingZeroBits counts the leading zero bits of b. Scanning stops at the
// first non-zero byte; nothing after it is inspected.
func LeadingZeroBits(b []byte) int {
	total := 0
	for _, by := range b {
		if by == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(by)
		break
	}
	return total
}
