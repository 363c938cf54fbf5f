package lib

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uvensys/bastet/lib/challenge"
	"github.com/uvensys/bastet/lib/cookie"
	"github.com/uvensys/bastet/lib/policy"
	"github.com/uvensys/bastet/lib/secret"
	"github.com/uvensys/bastet/lib/store/memory"
)

var testSecret = []byte("a test secret that is long enough")

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_500)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func spawnBastet(t *testing.T, opts BastetOptions) *Bastet {
	t.Helper()

	b := NewBastet(opts)
	if err := b.SetSecret(testSecret); err != nil {
		t.Fatalf("can't install secret: %v", err)
	}

	return b
}

func issue(t *testing.T, b *Bastet, difficulty uint16, ttl time.Duration) *Record {
	t.Helper()

	rec, err := b.IssueChallenge(difficulty, uint64(ttl.Milliseconds()))
	if err != nil {
		t.Fatalf("can't issue challenge: %v", err)
	}

	return rec
}

func solve(t *testing.T, rec *Record) *cookie.Cookie {
	t.Helper()

	chall, err := rec.Challenge()
	if err != nil {
		t.Fatal(err)
	}

	nonce, err := challenge.Solve(t.Context(), chall, challenge.SHA256{}, 0)
	if err != nil {
		t.Fatal(err)
	}

	ck, err := rec.Cookie(nonce)
	if err != nil {
		t.Fatal(err)
	}

	return ck
}

func TestRoundTrip(t *testing.T) {
	b := spawnBastet(t, BastetOptions{})

	for _, nonce := range []uint64{0, 1, 42, 1 << 63} {
		rec := issue(t, b, 0, time.Minute)

		ck, err := rec.Cookie(nonce)
		if err != nil {
			t.Fatal(err)
		}

		if err := b.ValidateCookie(t.Context(), []byte(ck.String())); err != nil {
			t.Errorf("nonce %d: wanted a valid cookie, got %v", nonce, err)
		}
	}
}

func TestSolvedDifficulty(t *testing.T) {
	b := spawnBastet(t, BastetOptions{})
	rec := issue(t, b, 8, time.Minute)
	ck := solve(t, rec)

	if !b.Valid(t.Context(), []byte(ck.String())) {
		t.Fatal("solved cookie did not validate")
	}

	chall, _ := rec.Challenge()
	for n := uint64(0); ; n++ {
		d := challenge.SHA256{}.Sum(chall.Payload[:], challenge.NonceBytes(n))
		if challenge.LeadingZeroBits(d) >= 8 {
			continue
		}

		bad, err := rec.Cookie(n)
		if err != nil {
			t.Fatal(err)
		}

		err = b.ValidateCookie(t.Context(), []byte(bad.String()))
		if KindOf(err) != KindDifficulty {
			t.Errorf("wanted %s for an unsolved nonce, got %v", KindDifficulty, err)
		}
		break
	}
}

func TestTamperSensitivity(t *testing.T) {
	b := spawnBastet(t, BastetOptions{})
	rec := issue(t, b, 0, time.Minute)

	ck, err := rec.Cookie(7)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := ck.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	signed := cookie.PayloadLen + cookie.ExpiresLen + cookie.DifficultyLen
	for bit := 0; bit < signed*8; bit++ {
		tampered := append([]byte(nil), raw...)
		tampered[bit/8] ^= 1 << (bit % 8)

		err := b.ValidateCookie(t.Context(), []byte(cookie.Encoding.EncodeToString(tampered)))
		if !errors.Is(err, challenge.ErrIntegrity) {
			t.Fatalf("bit %d: wanted ErrIntegrity, got %v", bit, err)
		}
	}

	for bit := (cookie.Len - cookie.TagLen) * 8; bit < cookie.Len*8; bit++ {
		tampered := append([]byte(nil), raw...)
		tampered[bit/8] ^= 1 << (bit % 8)

		err := b.ValidateCookie(t.Context(), []byte(cookie.Encoding.EncodeToString(tampered)))
		if !errors.Is(err, challenge.ErrIntegrity) {
			t.Fatalf("tag bit %d: wanted ErrIntegrity, got %v", bit, err)
		}
	}
}

func TestWrongSecret(t *testing.T) {
	issuer := spawnBastet(t, BastetOptions{})
	other := NewBastet(BastetOptions{})
	if err := other.SetSecret([]byte("some other secret")); err != nil {
		t.Fatal(err)
	}

	ck, err := issue(t, issuer, 0, time.Minute).Cookie(0)
	if err != nil {
		t.Fatal(err)
	}

	if err := other.ValidateCookie(t.Context(), []byte(ck.String())); KindOf(err) != KindIntegrity {
		t.Errorf("wanted %s, got %v", KindIntegrity, err)
	}
}

func TestExpiry(t *testing.T) {
	clock := newFakeClock()
	b := spawnBastet(t, BastetOptions{Now: clock.Now})

	rec := issue(t, b, 8, time.Minute)
	if rec.ExpiresAt != 1_700_000_060 {
		t.Fatalf("wanted expires_at 1700000060, got %d", rec.ExpiresAt)
	}

	ck := solve(t, rec)
	text := []byte(ck.String())

	clock.Advance(59 * time.Second)
	if err := b.ValidateCookie(t.Context(), text); err != nil {
		t.Fatalf("wanted a valid cookie before expiry, got %v", err)
	}

	clock.Advance(time.Second)
	if err := b.ValidateCookie(t.Context(), text); err != nil {
		t.Fatalf("wanted a valid cookie at the expiry second, got %v", err)
	}

	clock.Advance(time.Second)
	err := b.ValidateCookie(t.Context(), text)
	if KindOf(err) != KindExpired {
		t.Fatalf("wanted %s after expiry, got %v", KindExpired, err)
	}

	var cerr *challenge.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("wanted a *challenge.Error, got %T", err)
	}
	if cerr.StatusCode != http.StatusForbidden {
		t.Errorf("wanted status %d, got %d", http.StatusForbidden, cerr.StatusCode)
	}
}

func TestIntegrityBeforeExpiry(t *testing.T) {
	clock := newFakeClock()
	b := spawnBastet(t, BastetOptions{Now: clock.Now})

	ck, err := issue(t, b, 0, time.Second).Cookie(0)
	if err != nil {
		t.Fatal(err)
	}
	ck.Payload[0] ^= 0xff

	clock.Advance(time.Hour)

	if err := b.ValidateCookie(t.Context(), []byte(ck.String())); KindOf(err) != KindIntegrity {
		t.Errorf("wanted %s for a tampered expired cookie, got %v", KindIntegrity, err)
	}
}

func TestExpiryBeforeDifficulty(t *testing.T) {
	clock := newFakeClock()
	b := spawnBastet(t, BastetOptions{Now: clock.Now})

	rec := issue(t, b, 256, time.Second)
	ck, err := rec.Cookie(0)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.ValidateCookie(t.Context(), []byte(ck.String())); KindOf(err) != KindDifficulty {
		t.Fatalf("wanted %s, got %v", KindDifficulty, err)
	}

	clock.Advance(time.Hour)

	if err := b.ValidateCookie(t.Context(), []byte(ck.String())); KindOf(err) != KindExpired {
		t.Errorf("wanted %s, got %v", KindExpired, err)
	}
}

func TestValidateBadInput(t *testing.T) {
	b := spawnBastet(t, BastetOptions{})

	good, err := issue(t, b, 0, time.Minute).Cookie(0)
	if err != nil {
		t.Fatal(err)
	}
	text := good.String()

	for _, tt := range []struct {
		name  string
		input string
		kind  Kind
	}{
		{name: "empty", input: "", kind: KindInvalidInput},
		{name: "garbage", input: "!!!!", kind: KindDecode},
		{name: "padded", input: text + "==", kind: KindDecode},
		{name: "truncated", input: text[:len(text)-4], kind: KindDecode},
		{name: "extended", input: text + "AAAA", kind: KindDecode},
		{name: "standard alphabet", input: "+/" + text[2:], kind: KindDecode},
		{name: "whitespace", input: " " + text, kind: KindDecode},
		{name: "valid", input: text, kind: KindOK},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := b.ValidateCookie(t.Context(), []byte(tt.input))
			if got := KindOf(err); got != tt.kind {
				t.Errorf("wanted %s, got %s (%v)", tt.kind, got, err)
			}
		})
	}
}

func TestNotReady(t *testing.T) {
	b := NewBastet(BastetOptions{})

	if _, err := b.IssueChallenge(0, 1000); KindOf(err) != KindNotReady {
		t.Errorf("issue: wanted %s, got %v", KindNotReady, err)
	}

	if err := b.ValidateCookie(t.Context(), []byte("AAAA")); KindOf(err) != KindNotReady {
		t.Errorf("validate: wanted %s, got %v", KindNotReady, err)
	}

	if err := b.ValidateCookie(t.Context(), nil); KindOf(err) != KindInvalidInput {
		t.Errorf("validate empty: wanted %s, got %v", KindInvalidInput, err)
	}

	if b.Valid(t.Context(), []byte("AAAA")) {
		t.Error("Valid returned true without a secret")
	}
}

func TestIssueClock(t *testing.T) {
	b := spawnBastet(t, BastetOptions{Now: func() time.Time { return time.Unix(-10, 0) }})

	_, err := b.IssueChallenge(0, 1000)
	if KindOf(err) != KindClock {
		t.Fatalf("wanted %s, got %v", KindClock, err)
	}

	var cerr *challenge.Error
	if !errors.As(err, &cerr) || cerr.StatusCode != http.StatusInternalServerError {
		t.Errorf("wanted a 500 *challenge.Error, got %v", err)
	}
}

func TestSetSecret(t *testing.T) {
	b := NewBastet(BastetOptions{})

	if err := b.SetSecret(nil); !errors.Is(err, secret.ErrInvalidInput) {
		t.Errorf("wanted ErrInvalidInput, got %v", err)
	}
	if b.SetSecretOK([]byte{}) {
		t.Error("SetSecretOK accepted an empty secret")
	}

	if !b.SetSecretOK([]byte("first")) {
		t.Fatal("SetSecretOK rejected the first secret")
	}
	if !b.SetSecretOK([]byte("second")) {
		t.Error("SetSecretOK rejected a re-install")
	}
	if err := b.SetSecret([]byte("third")); !errors.Is(err, secret.ErrAlreadySet) {
		t.Errorf("wanted ErrAlreadySet, got %v", err)
	}

	got, err := b.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Errorf("wanted the first secret to stick, got %q", got)
	}
}

func TestSharedSecretContext(t *testing.T) {
	ctx, err := secret.New(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	issuer := NewBastet(BastetOptions{Secret: ctx})
	verifier := NewBastet(BastetOptions{Secret: ctx})

	ck, err := issue(t, issuer, 0, time.Minute).Cookie(3)
	if err != nil {
		t.Fatal(err)
	}

	if err := verifier.ValidateCookie(t.Context(), []byte(ck.String())); err != nil {
		t.Errorf("cookie from a sibling instance did not validate: %v", err)
	}
}

func TestRecordJSON(t *testing.T) {
	clock := newFakeClock()
	b := spawnBastet(t, BastetOptions{Now: clock.Now})

	text, err := b.IssueChallengeJSON(18, 120_000)
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(text, &fields); err != nil {
		t.Fatal(err)
	}

	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	want := []string{"data", "difficulty", "expires_at", "sig"}
	if len(keys) != len(want) {
		t.Fatalf("wanted keys %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("wanted keys %v, got %v", want, keys)
		}
	}

	rec, err := ParseRecord(text)
	if err != nil {
		t.Fatal(err)
	}

	if rec.Difficulty != 18 {
		t.Errorf("wanted difficulty 18, got %d", rec.Difficulty)
	}
	if rec.ExpiresAt != 1_700_000_120 {
		t.Errorf("wanted expires_at 1700000120, got %d", rec.ExpiresAt)
	}
	if len(rec.Data) != 43 || len(rec.Sig) != 43 {
		t.Errorf("wanted 43 character unpadded base64 fields, got %d and %d", len(rec.Data), len(rec.Sig))
	}
}

func TestRecordCookieBadFields(t *testing.T) {
	for _, tt := range []struct {
		name string
		rec  Record
		err  error
	}{
		{name: "bad data", rec: Record{Data: "!!", Sig: ""}, err: cookie.ErrDecode},
		{name: "short data", rec: Record{Data: "AAAA"}, err: cookie.ErrLength},
		{name: "short sig", rec: Record{Data: cookie.Encoding.EncodeToString(make([]byte, 32)), Sig: "AAAA"}, err: cookie.ErrLength},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.rec.Cookie(0); !errors.Is(err, tt.err) {
				t.Errorf("wanted %v, got %v", tt.err, err)
			}
		})
	}
}

func TestReplay(t *testing.T) {
	b := spawnBastet(t, BastetOptions{Redeemer: NewRedeemer(memory.New(t.Context()))})
	rec := issue(t, b, 0, time.Minute)

	ck, err := rec.Cookie(1)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.ValidateCookie(t.Context(), []byte(ck.String())); err != nil {
		t.Fatalf("first use: %v", err)
	}

	if err := b.ValidateCookie(t.Context(), []byte(ck.String())); KindOf(err) != KindReplayed {
		t.Errorf("second use: wanted %s, got %v", KindReplayed, err)
	}

	other, err := rec.Cookie(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ValidateCookie(t.Context(), []byte(other.String())); KindOf(err) != KindReplayed {
		t.Errorf("different nonce: wanted %s, got %v", KindReplayed, err)
	}

	fresh, err := issue(t, b, 0, time.Minute).Cookie(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ValidateCookie(t.Context(), []byte(fresh.String())); err != nil {
		t.Errorf("fresh challenge: %v", err)
	}
}

type renamedDigest struct {
	challenge.SHA256
}

func (renamedDigest) Name() string { return "sha256-renamed" }

func TestNewBastetForPolicyDigest(t *testing.T) {
	challenge.RegisterDigest(renamedDigest{})

	for _, tt := range []struct {
		name   string
		policy string
		opts   BastetOptions
		want   string
	}{
		{name: "default", policy: "", want: "sha256"},
		{name: "from policy", policy: "digest: sha256-renamed\n", want: "sha256-renamed"},
		{name: "options win", policy: "digest: sha256-renamed\n", opts: BastetOptions{Digest: challenge.SHA256{}}, want: "sha256"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			p, err := policy.ParseConfig(t.Context(), strings.NewReader(tt.policy), "inline.yaml", nil)
			if err != nil {
				t.Fatal(err)
			}

			b, err := NewBastetForPolicy(t.Context(), p, tt.opts)
			if err != nil {
				t.Fatal(err)
			}

			if got := b.digest.Name(); got != tt.want {
				t.Errorf("wanted digest %q, got %q", tt.want, got)
			}
		})
	}
}

func TestKind(t *testing.T) {
	for _, tt := range []struct {
		err    error
		kind   Kind
		name   string
		status int
	}{
		{err: nil, kind: KindOK, name: "ok", status: http.StatusOK},
		{err: secret.ErrNotReady, kind: KindNotReady, name: "not_ready", status: http.StatusInternalServerError},
		{err: ErrInvalidInput, kind: KindInvalidInput, name: "invalid_input", status: http.StatusBadRequest},
		{err: cookie.ErrLength, kind: KindDecode, name: "decode", status: http.StatusBadRequest},
		{err: challenge.ErrIntegrity, kind: KindIntegrity, name: "integrity", status: http.StatusForbidden},
		{err: challenge.ErrExpired, kind: KindExpired, name: "expired", status: http.StatusForbidden},
		{err: challenge.ErrDifficulty, kind: KindDifficulty, name: "difficulty", status: http.StatusForbidden},
		{err: challenge.ErrClock, kind: KindClock, name: "clock", status: http.StatusInternalServerError},
		{err: ErrReplayed, kind: KindReplayed, name: "replayed", status: http.StatusForbidden},
		{err: errors.New("something else"), kind: KindUnknown, name: "unknown", status: http.StatusInternalServerError},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.err != nil {
				err = challenge.NewError("test", "test", tt.err)
			}

			if got := KindOf(err); got != tt.kind {
				t.Errorf("wanted %s, got %s", tt.kind, got)
			}
			if got := tt.kind.String(); got != tt.name {
				t.Errorf("wanted name %q, got %q", tt.name, got)
			}
			if got := tt.kind.StatusCode(); got != tt.status {
				t.Errorf("wanted status %d, got %d", tt.status, got)
			}
		})
	}

	if got := Kind(99).String(); got != "unknown" {
		t.Errorf("out of range kind named %q", got)
	}
}
