package challengetest

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/uvensys/bastet/lib/challenge"
)

// New issues a challenge that expires a minute from now.
func New(t *testing.T, difficultyBits uint16) *challenge.Challenge {
	t.Helper()

	chall, err := challenge.Issue(rand.Reader, time.Now(), uint64(time.Minute.Milliseconds()), difficultyBits)
	if err != nil {
		t.Fatalf("can't issue challenge: %v", err)
	}

	return chall
}

// Solve brute-forces a nonce for chall, failing the test if none is found.
func Solve(t *testing.T, chall *challenge.Challenge) uint64 {
	t.Helper()

	nonce, err := challenge.Solve(t.Context(), chall, challenge.SHA256{}, 0)
	if err != nil {
		t.Fatalf("can't solve challenge with difficulty %d: %v", chall.DifficultyBits, err)
	}

	return nonce
}

// Unsolved returns the first nonce that does not satisfy chall's difficulty.
func Unsolved(t *testing.T, chall *challenge.Challenge) uint64 {
	t.Helper()

	d := challenge.SHA256{}
	for n := uint64(0); n < 1<<20; n++ {
		if challenge.LeadingZeroBits(d.Sum(chall.Payload[:], challenge.NonceBytes(n))) < int(chall.DifficultyBits) {
			return n
		}
	}

	t.Fatal("every nonce tried satisfies the difficulty")
	return 0
}
