package lib

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uvensys/bastet/lib/authenticator"
	"github.com/uvensys/bastet/lib/challenge"
	"github.com/uvensys/bastet/lib/cookie"
	"github.com/uvensys/bastet/lib/secret"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bastet_challenges_issued",
		Help: "The total number of challenges issued",
	})

	challengesValidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bastet_challenges_validated",
		Help: "The total number of cookies that passed validation",
	})

	failedValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastet_failed_validations",
		Help: "The total number of failed validations",
	}, []string{"kind"})
)

// ErrInvalidInput is returned for empty boundary input.
var ErrInvalidInput = errors.New("lib: input must not be empty")

// BastetOptions configures a Bastet. Zero values pick production defaults.
type BastetOptions struct {
	// Secret holds the signing key. A fresh, empty context is used if nil.
	Secret *secret.Context
	// Digest is the proof-of-work and HMAC hash. Defaults to SHA-256.
	Digest challenge.Digest
	// Now is the trusted clock. Defaults to time.Now.
	Now func() time.Time
	// Rand supplies challenge payloads. Defaults to crypto/rand.Reader.
	Rand io.Reader
	// Redeemer makes cookies single-use when set.
	Redeemer *Redeemer
}

// Bastet issues signed challenges and validates solved cookies. It keeps no
// per-challenge state unless a Redeemer is configured.
type Bastet struct {
	secret   *secret.Context
	digest   challenge.Digest
	auth     *authenticator.Authenticator
	now      func() time.Time
	rand     io.Reader
	redeemer *Redeemer
}

func NewBastet(opts BastetOptions) *Bastet {
	if opts.Secret == nil {
		opts.Secret = &secret.Context{}
	}
	if opts.Digest == nil {
		opts.Digest = challenge.SHA256{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	return &Bastet{
		secret:   opts.Secret,
		digest:   opts.Digest,
		auth:     authenticator.New(opts.Digest),
		now:      opts.Now,
		rand:     opts.Rand,
		redeemer: opts.Redeemer,
	}
}

// SetSecret installs the signing key. Only the first successful call has an
// effect; later calls return secret.ErrAlreadySet.
func (b *Bastet) SetSecret(key []byte) error {
	return b.secret.Set(key)
}

// SetSecretOK is SetSecret for callers that only understand success or
// failure. Installing over an existing secret counts as success and keeps the
// first secret.
func (b *Bastet) SetSecretOK(key []byte) bool {
	err := b.SetSecret(key)
	switch {
	case err == nil:
		return true
	case errors.Is(err, secret.ErrAlreadySet):
		slog.Warn("secret is already installed, keeping the existing one")
		return true
	default:
		return false
	}
}

// Secret returns the installed signing key.
func (b *Bastet) Secret() ([]byte, error) {
	return b.secret.Get()
}

// Record is the issued challenge as handed to a solver. It has no nonce; the
// solver supplies one and reassembles the cookie with Record.Cookie.
type Record struct {
	Data       string `json:"data"`
	ExpiresAt  uint64 `json:"expires_at"`
	Difficulty uint16 `json:"difficulty"`
	Sig        string `json:"sig"`
}

// ParseRecord decodes the JSON text form of a Record.
func ParseRecord(data []byte) (*Record, error) {
	var result Record
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", cookie.ErrDecode, err)
	}

	return &result, nil
}

// Challenge returns the challenge the record describes.
func (r *Record) Challenge() (*challenge.Challenge, error) {
	payload, err := cookie.Decode([]byte(r.Data))
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}

	if len(payload) != challenge.PayloadSize {
		return nil, fmt.Errorf("%w: data is %d bytes, wanted %d", cookie.ErrLength, len(payload), challenge.PayloadSize)
	}

	result := &challenge.Challenge{
		ExpiresAt:      r.ExpiresAt,
		DifficultyBits: r.Difficulty,
	}
	copy(result.Payload[:], payload)

	return result, nil
}

// Cookie combines the record with a solver's nonce.
func (r *Record) Cookie(nonce uint64) (*cookie.Cookie, error) {
	c, err := r.Challenge()
	if err != nil {
		return nil, err
	}

	tag, err := cookie.Decode([]byte(r.Sig))
	if err != nil {
		return nil, fmt.Errorf("sig: %w", err)
	}

	return cookie.New(c, nonce, tag)
}

// IssueChallenge creates a signed challenge that expires ttlMillis from now.
func (b *Bastet) IssueChallenge(difficultyBits uint16, ttlMillis uint64) (*Record, error) {
	key, err := b.secret.Get()
	if err != nil {
		return nil, b.issueError(err)
	}

	c, err := challenge.Issue(b.rand, b.now(), ttlMillis, difficultyBits)
	if err != nil {
		return nil, b.issueError(err)
	}

	tag, err := b.auth.Sign(key, c.SignedParts()...)
	if err != nil {
		return nil, b.issueError(err)
	}

	challengesIssued.Inc()
	challenge.IssuedDifficulty.Observe(float64(difficultyBits))

	return &Record{
		Data:       cookie.Encoding.EncodeToString(c.Payload[:]),
		ExpiresAt:  c.ExpiresAt,
		Difficulty: c.DifficultyBits,
		Sig:        cookie.Encoding.EncodeToString(tag),
	}, nil
}

// IssueChallengeJSON is IssueChallenge returning the record's JSON text.
func (b *Bastet) IssueChallengeJSON(difficultyBits uint16, ttlMillis uint64) ([]byte, error) {
	rec, err := b.IssueChallenge(difficultyBits, ttlMillis)
	if err != nil {
		return nil, err
	}

	return json.Marshal(rec)
}

func (b *Bastet) issueError(err error) error {
	result := challenge.NewError("issue", "internal server error", err)
	result.StatusCode = http.StatusInternalServerError
	return result
}

// ValidateCookie checks a cookie in its text form. The tag is verified before
// anything inside the cookie is trusted, then expiry, then the proof of work.
// Failures are *challenge.Error values; use KindOf to classify them.
func (b *Bastet) ValidateCookie(ctx context.Context, text []byte) error {
	if len(text) == 0 {
		return b.validateError(ErrInvalidInput)
	}

	key, err := b.secret.Get()
	if err != nil {
		return b.validateError(err)
	}

	ck, err := cookie.Parse(text)
	if err != nil {
		return b.validateError(err)
	}

	c := ck.Challenge()

	ok, err := b.auth.Verify(key, ck.Tag[:], c.SignedParts()...)
	if err != nil {
		return b.validateError(err)
	}
	if !ok {
		return b.validateError(challenge.ErrIntegrity)
	}

	if err := c.Validate(b.digest, b.now(), ck.Nonce); err != nil {
		return b.validateError(err)
	}

	if b.redeemer != nil {
		if err := b.redeemer.Redeem(ctx, ck, b.now()); err != nil {
			return b.validateError(err)
		}
	}

	challengesValidated.Inc()
	return nil
}

// Valid reports whether text is a valid cookie.
func (b *Bastet) Valid(ctx context.Context, text []byte) bool {
	return b.ValidateCookie(ctx, text) == nil
}

func (b *Bastet) validateError(err error) error {
	kind := KindOf(err)
	failedValidations.WithLabelValues(kind.String()).Inc()

	result := challenge.NewError("validate", kind.PublicReason(), err)
	result.StatusCode = kind.StatusCode()
	return result
}

// passKey derives the pass cookie signing key from the secret, so the same
// bytes never key two different MAC constructions.
func (b *Bastet) passKey() ([]byte, error) {
	key, err := b.secret.Get()
	if err != nil {
		return nil, err
	}

	return b.auth.Sign(key, []byte("bastet pass cookie"))
}
