package challenge_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/uvensys/bastet/lib/challenge"
	"github.com/uvensys/bastet/lib/challenge/challengetest"
)

func TestLeadingZeroBits(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"0x80", []byte{0x80}, 0},
		{"0x7f", []byte{0x7f}, 1},
		{"0x0f", []byte{0x0f}, 4},
		{"0x01", []byte{0x01}, 7},
		{"0x00", []byte{0x00}, 8},
		{"0x00_0x1f", []byte{0x00, 0x1f}, 11},
		{"stops_at_first_nonzero", []byte{0x01, 0x00, 0x00}, 7},
		{"all_zero_digest", make([]byte, 32), 256},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := challenge.LeadingZeroBits(tt.in); got != tt.want {
				t.Errorf("LeadingZeroBits(% x) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestIssue(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xa5}, challenge.PayloadSize)
	now := time.UnixMilli(1_700_000_000_500)

	chall, err := challenge.Issue(bytes.NewReader(payload), now, 60_000, 12)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(chall.Payload[:], payload) {
		t.Errorf("payload was not read from the random source: % x", chall.Payload)
	}

	if chall.ExpiresAt != 1_700_000_060 {
		t.Errorf("wanted expires_at 1700000060, got %d", chall.ExpiresAt)
	}

	if chall.DifficultyBits != 12 {
		t.Errorf("wanted difficulty 12, got %d", chall.DifficultyBits)
	}
}

func TestIssueTruncatesToSeconds(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_999)

	chall, err := challenge.Issue(rand.Reader, now, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	if chall.ExpiresAt != 1_700_000_001 {
		t.Errorf("wanted expires_at 1700000001, got %d", chall.ExpiresAt)
	}
}

func TestIssueErrors(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name      string
		rng       *bytes.Reader
		now       time.Time
		ttlMillis uint64
		err       error
	}{
		{
			name:      "before epoch",
			rng:       bytes.NewReader(make([]byte, 32)),
			now:       time.Unix(-10, 0),
			ttlMillis: 1000,
			err:       challenge.ErrClock,
		},
		{
			name:      "ttl overflows",
			rng:       bytes.NewReader(make([]byte, 32)),
			now:       time.Now(),
			ttlMillis: math.MaxUint64,
			err:       challenge.ErrClock,
		},
		{
			name:      "short random source",
			rng:       bytes.NewReader(make([]byte, 4)),
			now:       time.Now(),
			ttlMillis: 1000,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := challenge.Issue(tt.rng, tt.now, tt.ttlMillis, 0)
			if err == nil {
				t.Fatal("wanted an error, got none")
			}

			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("wanted %v, got %v", tt.err, err)
			}
		})
	}
}

func TestIssueUniquePayload(t *testing.T) {
	t.Parallel()

	a := challengetest.New(t, 0)
	b := challengetest.New(t, 0)

	if a.Payload == b.Payload {
		t.Error("two issuances produced the same payload")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	d := challenge.SHA256{}
	now := time.Unix(1_700_000_000, 0)

	easy := &challenge.Challenge{ExpiresAt: uint64(now.Unix()) + 60}
	copy(easy.Payload[:], "some random payload bytes here!!")

	hard := *easy
	hard.DifficultyBits = 8

	nonce := challengetest.Solve(t, &hard)
	bad := challengetest.Unsolved(t, &hard)

	for _, tt := range []struct {
		name  string
		chall *challenge.Challenge
		now   time.Time
		nonce uint64
		err   error
	}{
		{
			name:  "zero difficulty any nonce",
			chall: easy,
			now:   now,
			nonce: 0xdeadbeef,
		},
		{
			name:  "zero difficulty at expiry second",
			chall: easy,
			now:   time.Unix(int64(easy.ExpiresAt), 999_999_999),
		},
		{
			name:  "expired",
			chall: easy,
			now:   time.Unix(int64(easy.ExpiresAt)+1, 0),
			err:   challenge.ErrExpired,
		},
		{
			name:  "solved",
			chall: &hard,
			now:   now,
			nonce: nonce,
		},
		{
			name:  "expired but solved",
			chall: &hard,
			now:   time.Unix(int64(hard.ExpiresAt)+1, 0),
			nonce: nonce,
			err:   challenge.ErrExpired,
		},
		{
			name:  "not solved",
			chall: &hard,
			now:   now,
			nonce: bad,
			err:   challenge.ErrDifficulty,
		},
		{
			name:  "before epoch",
			chall: easy,
			now:   time.Unix(-1, 0),
			err:   challenge.ErrClock,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.chall.Validate(d, tt.now, tt.nonce); !errors.Is(err, tt.err) {
				t.Errorf("wanted error %v, got %v", tt.err, err)
			}
		})
	}
}

func TestValidateMonotonic(t *testing.T) {
	t.Parallel()

	d := challenge.SHA256{}
	chall := challengetest.New(t, 10)
	nonce := challengetest.Solve(t, chall)

	actual := challenge.LeadingZeroBits(d.Sum(chall.Payload[:], challenge.NonceBytes(nonce)))
	if actual < 10 {
		t.Fatalf("solver returned a nonce with only %d leading zero bits", actual)
	}

	for bits := 0; bits <= actual; bits++ {
		c := *chall
		c.DifficultyBits = uint16(bits)
		if err := c.Validate(d, time.Now(), nonce); err != nil {
			t.Errorf("difficulty %d: %v", bits, err)
		}
	}

	c := *chall
	c.DifficultyBits = uint16(actual + 1)
	if err := c.Validate(d, time.Now(), nonce); !errors.Is(err, challenge.ErrDifficulty) {
		t.Errorf("difficulty %d: wanted %v, got %v", actual+1, challenge.ErrDifficulty, err)
	}
}

func TestValidateUnsatisfiable(t *testing.T) {
	t.Parallel()

	chall := challengetest.New(t, 257)

	err := chall.Validate(challenge.SHA256{}, time.Now(), 0)
	if !errors.Is(err, challenge.ErrDifficulty) {
		t.Fatalf("wanted %v, got %v", challenge.ErrDifficulty, err)
	}

	if !strings.Contains(err.Error(), "257") {
		t.Errorf("error should mention the wanted difficulty: %v", err)
	}
}

func TestSignedParts(t *testing.T) {
	t.Parallel()

	chall := &challenge.Challenge{
		ExpiresAt:      0x0102030405060708,
		DifficultyBits: 0x0a0b,
	}
	chall.Payload[0] = 0xff

	parts := chall.SignedParts()
	if len(parts) != 3 {
		t.Fatalf("wanted 3 parts, got %d", len(parts))
	}

	if len(parts[0]) != 32 || parts[0][0] != 0xff {
		t.Errorf("payload part is wrong: % x", parts[0])
	}

	if !bytes.Equal(parts[1], []byte{8, 7, 6, 5, 4, 3, 2, 1}) {
		t.Errorf("expires_at is not little endian: % x", parts[1])
	}

	if !bytes.Equal(parts[2], []byte{0x0b, 0x0a}) {
		t.Errorf("difficulty_bits is not little endian: % x", parts[2])
	}
}

func TestSolveCancel(t *testing.T) {
	t.Parallel()

	chall := challengetest.New(t, 256)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := challenge.Solve(ctx, chall, challenge.SHA256{}, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("wanted %v, got %v", context.Canceled, err)
	}
}
