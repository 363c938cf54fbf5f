package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uvensys/bastet/lib/challenge"
	"github.com/uvensys/bastet/lib/policy/checker"
	"github.com/uvensys/bastet/lib/policy/config"
	"github.com/uvensys/bastet/lib/store"
)

var (
	Applications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastet_policy_applications",
		Help: "The results of each policy decision",
	}, []string{"action"})

	ErrNoStore = errors.New("policy: no store configured")
)

// Location is a parsed config.Location.
type Location struct {
	Name  string
	Rules checker.Impl
}

type ParsedConfig struct {
	orig *config.Config

	Mode           config.Mode
	DifficultyBits uint16
	TTL            time.Duration
	Digest         challenge.Digest
	AllowXBastet   bool
	Locations      []Location
	StatusCodes    config.StatusCodes
	Store          *config.Store
}

func NewParsedConfig(orig *config.Config) *ParsedConfig {
	// nil falls back to SHA-256 in lib.NewBastet
	digest, _ := challenge.GetDigest(orig.Digest)

	return &ParsedConfig{
		orig:           orig,
		Mode:           orig.Mode,
		DifficultyBits: uint16(orig.DifficultyBits),
		TTL:            orig.TTL,
		Digest:         digest,
		AllowXBastet:   orig.AllowXBastet,
		StatusCodes:    orig.StatusCodes,
		Store:          orig.Store,
	}
}

func ParseConfig(ctx context.Context, fin io.Reader, fname string, defaults *config.Defaults) (*ParsedConfig, error) {
	c, err := config.Load(fin, fname, defaults)
	if err != nil {
		return nil, err
	}

	var validationErrs []error

	result := NewParsedConfig(c)

	for _, l := range c.Locations {
		cl := checker.All{}

		if l.PathRegex != nil {
			c, err := NewPathChecker(*l.PathRegex)
			if err != nil {
				validationErrs = append(validationErrs, fmt.Errorf("while processing location %s path regex: %w", l.Name, err))
			} else {
				cl = append(cl, c)
			}
		}

		if len(l.HeadersRegex) > 0 {
			c, err := NewHeadersChecker(l.HeadersRegex)
			if err != nil {
				validationErrs = append(validationErrs, fmt.Errorf("while processing location %s headers regex map: %w", l.Name, err))
			} else {
				cl = append(cl, c)
			}
		}

		if len(l.RemoteAddresses) > 0 {
			c, err := NewRemoteAddrChecker(l.RemoteAddresses)
			if err != nil {
				validationErrs = append(validationErrs, fmt.Errorf("while processing location %s remote addr set: %w", l.Name, err))
			} else {
				cl = append(cl, c)
			}
		}

		result.Locations = append(result.Locations, Location{
			Name:  l.Name,
			Rules: cl,
		})
	}

	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("errors validating policy config %s: %w", fname, errors.Join(validationErrs...))
	}

	return result, nil
}

// Gated reports whether requests with this method can be challenged at all.
// Only safe methods are, since the challenge page replaces the response and
// a solved challenge reloads the page with a GET.
func Gated(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Check decides whether r has to solve a challenge. In inclusion mode every
// request is challenged unless it matches a location; in exclusion mode only
// requests that match a location are.
func (p *ParsedConfig) Check(r *http.Request) (CheckResult, error) {
	if !Gated(r.Method) {
		return CheckResult{Action: ActionPass}, nil
	}

	var matched string
	for _, l := range p.Locations {
		ok, err := l.Rules.Check(r)
		if err != nil {
			return CheckResult{}, fmt.Errorf("can't run check %s: %w", l.Name, err)
		}

		if ok {
			matched = l.Name
			break
		}
	}

	action := ActionChallenge
	switch p.Mode {
	case config.ModeInclusion:
		if matched != "" {
			action = ActionPass
		}
	case config.ModeExclusion:
		if matched == "" {
			action = ActionPass
		}
	default:
		return CheckResult{}, fmt.Errorf("%w: unknown mode %q", ErrMisconfiguration, p.Mode)
	}

	return CheckResult{Location: matched, Action: action}, nil
}

// BuildStore creates the redeem store named in the policy.
func (p *ParsedConfig) BuildStore(ctx context.Context) (store.Interface, error) {
	if p.Store == nil {
		return nil, ErrNoStore
	}

	fac, ok := store.Get(p.Store.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStoreBackend, p.Store.Backend)
	}

	return fac.Build(ctx, p.Store.Parameters)
}
