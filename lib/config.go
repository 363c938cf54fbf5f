package lib

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/uvensys/bastet"
	"github.com/uvensys/bastet/data"
	"github.com/uvensys/bastet/internal"
	"github.com/uvensys/bastet/lib/policy"
	"github.com/uvensys/bastet/lib/policy/config"
	"github.com/uvensys/bastet/web"
)

type Options struct {
	Next                http.Handler
	Policy              *policy.ParsedConfig
	Bastet              *Bastet
	CookieDynamicDomain bool
	CookieDomain        string
	CookieExpiration    time.Duration
	CookiePartitioned   bool
	CookieSecure        bool
}

func LoadPoliciesOrDefault(ctx context.Context, fname string, defaults *config.Defaults) (*policy.ParsedConfig, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/policy.yaml"
		fin, err = data.Policy.Open("policy.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't parse builtin policy file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close policy file", "file", fname, "err", err)
		}
	}(fin)

	bastetPolicy, err := policy.ParseConfig(ctx, fin, fname, defaults)
	if err != nil {
		return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
	}

	return bastetPolicy, nil
}

// NewBastetForPolicy builds a Bastet that uses the policy's digest and
// redeems solutions in the store the policy names, if any. The store lives
// until ctx is done.
func NewBastetForPolicy(ctx context.Context, p *policy.ParsedConfig, opts BastetOptions) (*Bastet, error) {
	if p.Store != nil && opts.Redeemer == nil {
		s, err := p.BuildStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't build %s store: %w", p.Store.Backend, err)
		}

		opts.Redeemer = NewRedeemer(s)
	}

	if opts.Digest == nil {
		opts.Digest = p.Digest
	}

	return NewBastet(opts), nil
}

func New(opts Options) (*Server, error) {
	if opts.Policy == nil {
		p, err := LoadPoliciesOrDefault(context.Background(), "", nil)
		if err != nil {
			return nil, err
		}
		opts.Policy = p
	}

	if opts.Bastet == nil {
		b, err := NewBastetForPolicy(context.Background(), opts.Policy, BastetOptions{})
		if err != nil {
			return nil, fmt.Errorf("lib: %w", err)
		}
		opts.Bastet = b
	}

	if !opts.Bastet.secret.Installed() {
		slog.Debug("secret not set, generating a new one")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("lib: can't generate secret: %v", err)
		}

		if err := opts.Bastet.SetSecret(key); err != nil {
			slog.Debug("secret was installed concurrently", "err", err)
		}
	}

	if opts.Bastet.redeemer != nil && opts.CookieExpiration <= 0 {
		slog.Warn("solutions are single use but pass cookies are disabled, every request will need a fresh challenge")
	}

	passKey, err := opts.Bastet.passKey()
	if err != nil {
		return nil, fmt.Errorf("lib: can't derive pass cookie key: %w", err)
	}

	result := &Server{
		next:    opts.Next,
		policy:  opts.Policy,
		bastet:  opts.Bastet,
		opts:    opts,
		passKey: passKey,
	}

	mux := http.NewServeMux()

	mux.Handle(bastet.StaticPath, internal.UnchangingCache(bastet.Version, internal.NoBrowsing(http.StripPrefix(bastet.StaticPath, internal.GzipMiddleware(1, http.FileServerFS(web.Static))))))
	mux.Handle(bastet.APIPrefix+"challenge", http.HandlerFunc(result.MakeChallenge))
	mux.Handle(bastet.APIPrefix+"check", http.HandlerFunc(result.maybeReverseProxyHttpStatusOnly))
	mux.Handle("/", http.HandlerFunc(result.maybeReverseProxyOrPage))

	result.mux = internal.WithRequestID(mux)

	return result, nil
}
