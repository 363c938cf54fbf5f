package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/yaml"

	"github.com/uvensys/bastet/lib/challenge"
)

var (
	ErrUnknownMode             = errors.New("config: unknown mode, must be inclusion or exclusion")
	ErrDifficultyOutOfRange    = errors.New("config: difficulty_bits must be between 0 and 256")
	ErrTTLNotPositive          = errors.New("config: ttl must be positive")
	ErrInvalidDuration         = errors.New("config: invalid duration")
	ErrLocationMustHaveName    = errors.New("config.Location: must set name")
	ErrLocationMustHaveMatcher = errors.New("config.Location: must set path_regex, headers_regex or remote_addresses")
	ErrDuplicateLocationName   = errors.New("config.Location: name is used more than once")
	ErrInvalidPathRegex        = errors.New("config.Location: invalid path regex")
	ErrInvalidHeadersRegex     = errors.New("config.Location: invalid headers regex")
	ErrInvalidCIDR             = errors.New("config.Location: invalid CIDR")
	ErrRegexEndsWithNewline    = errors.New("config.Location: regular expression ends with newline (try >- instead of > in yaml)")
	ErrUnknownDigest           = errors.New("config: unknown digest")
	ErrStatusCodeNotValid      = errors.New("config.StatusCode: status code not valid, must be between 100 and 599")
)

const (
	DefaultDifficulty = 18
	MaxDifficulty     = 256
	DefaultTTL        = 2 * time.Minute
	DefaultDigest     = "sha256"
)

func validDigest(name string) error {
	if _, ok := challenge.GetDigest(name); !ok {
		return fmt.Errorf("%w %q, must be one of %v", ErrUnknownDigest, name, challenge.Digests())
	}

	return nil
}

// Mode selects how locations are interpreted.
type Mode string

const (
	// ModeInclusion gates every request except the ones matching a location.
	ModeInclusion Mode = "inclusion"
	// ModeExclusion gates only the requests matching a location.
	ModeExclusion Mode = "exclusion"
)

func (m Mode) Valid() error {
	switch m {
	case ModeInclusion, ModeExclusion:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}
}

// ParseDuration reads a policy duration: either a Go duration string ("2m")
// or a bare number of seconds.
func ParseDuration(data json.RawMessage) (time.Duration, error) {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDuration, data)
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDuration, err)
	}

	return dur, nil
}

// Location names a set of requests. A request matches when every matcher
// that is set matches.
type Location struct {
	Name            string            `json:"name" yaml:"name"`
	PathRegex       *string           `json:"path_regex,omitempty" yaml:"path_regex,omitempty"`
	HeadersRegex    map[string]string `json:"headers_regex,omitempty" yaml:"headers_regex,omitempty"`
	RemoteAddresses []string          `json:"remote_addresses,omitempty" yaml:"remote_addresses,omitempty"`
}

func (l Location) Valid() error {
	var errs []error

	if l.Name == "" {
		errs = append(errs, ErrLocationMustHaveName)
	}

	if l.PathRegex == nil && len(l.HeadersRegex) == 0 && len(l.RemoteAddresses) == 0 {
		errs = append(errs, ErrLocationMustHaveMatcher)
	}

	if l.PathRegex != nil {
		if strings.HasSuffix(*l.PathRegex, "\n") {
			errs = append(errs, fmt.Errorf("%w: path regex: %q", ErrRegexEndsWithNewline, *l.PathRegex))
		}

		if _, err := regexp.Compile(*l.PathRegex); err != nil {
			errs = append(errs, ErrInvalidPathRegex, err)
		}
	}

	for name, expr := range l.HeadersRegex {
		if strings.HasSuffix(expr, "\n") {
			errs = append(errs, fmt.Errorf("%w: header %s regex: %q", ErrRegexEndsWithNewline, name, expr))
		}

		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, ErrInvalidHeadersRegex, err)
		}
	}

	for _, cidr := range l.RemoteAddresses {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			errs = append(errs, ErrInvalidCIDR, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: location %q is not valid:\n%w", l.Name, errors.Join(errs...))
	}

	return nil
}

type StatusCodes struct {
	Challenge int `json:"challenge"`
}

func (sc StatusCodes) Valid() error {
	if sc.Challenge < 100 || sc.Challenge > 599 {
		return fmt.Errorf("%w: challenge is %d", ErrStatusCodeNotValid, sc.Challenge)
	}

	return nil
}

type fileConfig struct {
	Mode           Mode            `json:"mode"`
	DifficultyBits *int            `json:"difficulty_bits"`
	TTL            json.RawMessage `json:"ttl"`
	Digest         string          `json:"digest"`
	AllowXBastet   bool            `json:"allow_x_bastet"`
	Locations      []Location      `json:"locations"`
	StatusCodes    StatusCodes     `json:"status_codes"`
	Store          *Store          `json:"store"`
}

func (c *fileConfig) Valid() error {
	var errs []error

	if err := c.Mode.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.DifficultyBits != nil && (*c.DifficultyBits < 0 || *c.DifficultyBits > MaxDifficulty) {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrDifficultyOutOfRange, *c.DifficultyBits))
	}

	if c.Digest != "" {
		if err := validDigest(c.Digest); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.TTL) != 0 {
		ttl, err := ParseDuration(c.TTL)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ttl <= 0:
			errs = append(errs, fmt.Errorf("%w, got: %s", ErrTTLNotPositive, ttl))
		}
	}

	seen := map[string]bool{}
	for i, l := range c.Locations {
		if err := l.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("location %d: %w", i, err))
		}

		if l.Name != "" && seen[l.Name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateLocationName, l.Name))
		}
		seen[l.Name] = true
	}

	if err := c.StatusCodes.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.Store != nil {
		if err := c.Store.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Load decodes and validates a policy file. Fields the file leaves unset
// take the values in defaults; a nil defaults uses the built-in ones.
func Load(fin io.Reader, fname string, defaults *Defaults) (*Config, error) {
	if defaults == nil {
		defaults = &Defaults{DifficultyBits: DefaultDifficulty, TTL: DefaultTTL}
	}

	digest := defaults.Digest
	if digest == "" {
		digest = DefaultDigest
	}

	c := &fileConfig{
		Mode: ModeInclusion,
		StatusCodes: StatusCodes{
			Challenge: http.StatusOK,
		},
	}

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't parse policy config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("policy config %s: %w", fname, err)
	}

	result := &Config{
		Mode:           c.Mode,
		DifficultyBits: defaults.DifficultyBits,
		TTL:            defaults.TTL,
		Digest:         digest,
		AllowXBastet:   c.AllowXBastet,
		Locations:      c.Locations,
		StatusCodes:    c.StatusCodes,
		Store:          c.Store,
	}

	if c.DifficultyBits != nil {
		result.DifficultyBits = *c.DifficultyBits
	}

	if c.Digest != "" {
		result.Digest = c.Digest
	}

	if len(c.TTL) != 0 {
		// already validated
		result.TTL, _ = ParseDuration(c.TTL)
	}

	if err := result.Valid(); err != nil {
		return nil, fmt.Errorf("policy config %s: %w", fname, err)
	}

	return result, nil
}

// Defaults fill in what a policy file does not set.
type Defaults struct {
	DifficultyBits int
	TTL            time.Duration
	// Digest names a challenge.Digest; empty means DefaultDigest.
	Digest string
}

type Config struct {
	Mode           Mode
	DifficultyBits int
	TTL            time.Duration
	Digest         string
	AllowXBastet   bool
	Locations      []Location
	StatusCodes    StatusCodes
	Store          *Store
}

func (c Config) Valid() error {
	var errs []error

	if err := c.Mode.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.DifficultyBits < 0 || c.DifficultyBits > MaxDifficulty {
		errs = append(errs, fmt.Errorf("%w, got: %d", ErrDifficultyOutOfRange, c.DifficultyBits))
	}

	if c.TTL <= 0 {
		errs = append(errs, fmt.Errorf("%w, got: %s", ErrTTLNotPositive, c.TTL))
	}

	if err := validDigest(c.Digest); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}
