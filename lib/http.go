package lib

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/publicsuffix"

	"github.com/uvensys/bastet"
	"github.com/uvensys/bastet/internal"
	"github.com/uvensys/bastet/lib/localization"
	"github.com/uvensys/bastet/web"
)

var domainMatchRegexp = regexp.MustCompile(`^((xn--)?[a-z0-9]+(-[a-z0-9]+)*\.)+[a-z]{2,}$`)

type CookieOpts struct {
	Value  string
	Host   string
	Path   string
	Name   string
	Expiry time.Duration
	// HostOnly clears a cookie set by script, which has no Domain.
	HostOnly bool
}

func (s *Server) cookieDomain(host string) string {
	domain := s.opts.CookieDomain
	if s.opts.CookieDynamicDomain && domainMatchRegexp.MatchString(host) {
		if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			domain = etld
		}
	}

	return domain
}

func (s *Server) SetCookie(w http.ResponseWriter, cookieOpts CookieOpts) {
	var name = bastet.CookieName
	var path = "/"
	if cookieOpts.Name != "" {
		name = cookieOpts.Name
	}
	if cookieOpts.Path != "" {
		path = cookieOpts.Path
	}

	if cookieOpts.Expiry == 0 {
		cookieOpts.Expiry = s.opts.CookieExpiration
	}

	http.SetCookie(w, &http.Cookie{
		Name:        name,
		Value:       cookieOpts.Value,
		Expires:     s.bastet.now().Add(cookieOpts.Expiry),
		SameSite:    http.SameSiteLaxMode,
		HttpOnly:    true,
		Domain:      s.cookieDomain(cookieOpts.Host),
		Secure:      s.opts.CookieSecure,
		Partitioned: s.opts.CookiePartitioned,
		Path:        path,
	})
}

func (s *Server) ClearCookie(w http.ResponseWriter, cookieOpts CookieOpts) {
	var name = bastet.CookieName
	var path = "/"
	if cookieOpts.Name != "" {
		name = cookieOpts.Name
	}
	if cookieOpts.Path != "" {
		path = cookieOpts.Path
	}

	domain, partitioned := "", false
	if !cookieOpts.HostOnly {
		domain, partitioned = s.cookieDomain(cookieOpts.Host), s.opts.CookiePartitioned
	}

	http.SetCookie(w, &http.Cookie{
		Name:        name,
		Value:       "",
		MaxAge:      -1,
		Expires:     s.bastet.now().Add(-1 * time.Minute),
		SameSite:    http.SameSiteLaxMode,
		Partitioned: partitioned,
		Domain:      domain,
		Secure:      s.opts.CookieSecure,
		Path:        path,
	})
}

// https://github.com/oauth2-proxy/oauth2-proxy/blob/master/pkg/upstream/http.go#L124
type UnixRoundTripper struct {
	Transport *http.Transport
}

// set bare minimum stuff
func (t UnixRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Host == "" {
		req.Host = "localhost"
	}
	req.URL.Host = req.Host // proxy error: no Host in request URL
	req.URL.Scheme = "http" // make http.Transport happy and avoid an infinite recursion
	return t.Transport.RoundTrip(req)
}

// setChallengeHeaders marks a challenge response as unframeable and
// uncacheable.
func setChallengeHeaders(h http.Header) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "frame-ancestors 'none'; object-src 'none'; base-uri 'none'")
	h.Set("Cache-Control", "no-store, max-age=0, must-revalidate")
	h.Set("Referrer-Policy", "no-referrer")
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// RenderChallenge answers a gated request with a fresh challenge: a page that
// solves it in the browser, the bare record for JSON clients, or just a 401.
func (s *Server) RenderChallenge(w http.ResponseWriter, r *http.Request, returnHTTPStatusOnly bool) {
	localizer := localization.GetLocalizer(r)

	if returnHTTPStatusOnly {
		setChallengeHeaders(w.Header())
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(localizer.T("authorization_required")))
		return
	}

	if wantsJSON(r) {
		s.MakeChallenge(w, r)
		return
	}

	lg := internal.GetRequestLogger(r)

	rec, err := s.issue()
	if err != nil {
		lg.Error("can't issue challenge", "err", err)
		s.respondWithError(w, r, localizer.T("internal_server_error"))
		return
	}

	recJSON, err := recordJSON(rec)
	if err != nil {
		lg.Error("can't encode challenge", "err", err)
		s.respondWithError(w, r, localizer.T("internal_server_error"))
		return
	}

	component := web.Base(localizer.T("making_sure_not_a_bot"), web.Challenge(web.ChallengeParams{
		Challenge:    recJSON,
		Difficulty:   rec.Difficulty,
		CookieName:   bastet.CookieName,
		CookieMaxAge: int(s.policy.TTL.Seconds()),
	}, localizer), localizer)

	setChallengeHeaders(w.Header())
	handler := internal.GzipMiddleware(1, internal.NoStoreCache(templ.Handler(
		component,
		templ.WithStatus(s.policy.StatusCodes.Challenge),
	)))
	handler.ServeHTTP(w, r)
}

func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, message string) {
	s.respondWithStatus(w, r, message, http.StatusInternalServerError)
}

func (s *Server) respondWithStatus(w http.ResponseWriter, r *http.Request, msg string, status int) {
	localizer := localization.GetLocalizer(r)

	setChallengeHeaders(w.Header())
	templ.Handler(web.Base(localizer.T("oh_noes"), web.ErrorPage(msg, r.URL.RequestURI(), localizer), localizer), templ.WithStatus(status)).ServeHTTP(w, r)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) ServeHTTPNext(w http.ResponseWriter, r *http.Request) {
	if s.next == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	requestsProxied.WithLabelValues(r.Host).Inc()
	s.next.ServeHTTP(w, r)
}

func (s *Server) signJWT(claims jwt.MapClaims) (string, error) {
	now := s.bastet.now()
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Add(-1 * time.Minute).Unix()
	claims["exp"] = now.Add(s.opts.CookieExpiration).Unix()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.passKey)
}
