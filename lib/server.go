package lib

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uvensys/bastet"
	"github.com/uvensys/bastet/internal"
	"github.com/uvensys/bastet/lib/challenge"
	"github.com/uvensys/bastet/lib/policy"
)

var (
	requestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastet_proxied_requests_total",
		Help: "Number of requests proxied through bastet to upstream targets",
	}, []string{"host"})
)

type Server struct {
	next    http.Handler
	mux     http.Handler
	policy  *policy.ParsedConfig
	bastet  *Bastet
	opts    Options
	passKey []byte
}

// Bastet returns the challenge issuer and validator the server uses.
func (s *Server) Bastet() *Bastet {
	return s.bastet
}

func (s *Server) maybeReverseProxyHttpStatusOnly(w http.ResponseWriter, r *http.Request) {
	s.maybeReverseProxy(w, r, true)
}

func (s *Server) maybeReverseProxyOrPage(w http.ResponseWriter, r *http.Request) {
	s.maybeReverseProxy(w, r, false)
}

func (s *Server) maybeReverseProxy(w http.ResponseWriter, r *http.Request, httpStatusOnly bool) {
	lg := internal.GetRequestLogger(r)

	cr, err := s.check(r, httpStatusOnly)
	if err != nil {
		lg.Error("check failed", "err", err)
		s.respondWithError(w, r, "Internal Server Error: administrator has misconfigured bastet. Please contact the administrator and ask them to look for the logs around \"maybeReverseProxy\"")
		return
	}

	lg = lg.With("check_result", cr)
	policy.Applications.WithLabelValues(string(cr.Action)).Inc()

	if cr.Action == policy.ActionPass {
		lg.Debug("request is not gated")
		s.ServeHTTPNext(w, r)
		return
	}

	if s.checkPassCookie(r, lg) {
		r.Header.Set("X-Bastet-Status", "PASS")
		s.ServeHTTPNext(w, r)
		return
	}

	solution, fromCookie := s.solution(r)
	if solution == "" {
		lg.Debug("no solution presented")
		s.RenderChallenge(w, r, httpStatusOnly)
		return
	}

	err = s.bastet.ValidateCookie(r.Context(), []byte(solution))
	if err == nil {
		lg.Debug("challenge passed")
		if fromCookie {
			s.ClearCookie(w, CookieOpts{Name: bastet.CookieName, Host: r.Host, HostOnly: true})
		}
		s.issuePassCookie(w, r, lg)
		r.Header.Set("X-Bastet-Status", "PASS")
		s.ServeHTTPNext(w, r)
		return
	}

	kind := KindOf(err)
	lg.Debug("challenge validation failed", "kind", kind.String(), "err", err)

	if fromCookie {
		s.ClearCookie(w, CookieOpts{Name: bastet.CookieName, Host: r.Host, HostOnly: true})
	}

	switch kind {
	case KindUnknown, KindNotReady, KindClock:
		lg.Error("can't validate challenge", "err", err)
		s.respondWithError(w, r, "Internal Server Error: please contact the administrator and ask them to look for the logs around \"maybeReverseProxy.validate\"")
		return
	}

	s.RenderChallenge(w, r, httpStatusOnly)
}

// check applies the policy. The check endpoint answers for the request named
// in X-Original-URI, and always gates when there is none.
func (s *Server) check(r *http.Request, httpStatusOnly bool) (policy.CheckResult, error) {
	if !httpStatusOnly {
		return s.policy.Check(r)
	}

	orig := r.Header.Get(bastet.OriginalURIHeader)
	if orig == "" {
		return policy.CheckResult{Action: policy.ActionChallenge}, nil
	}

	u, err := url.ParseRequestURI(orig)
	if err != nil {
		internal.GetRequestLogger(r).Debug("can't parse original URI, gating", "uri", orig, "err", err)
		return policy.CheckResult{Action: policy.ActionChallenge}, nil
	}

	target := r.Clone(r.Context())
	target.URL = u
	target.RequestURI = orig

	return s.policy.Check(target)
}

// solution returns the presented challenge solution and whether it came from
// the cookie rather than the header.
func (s *Server) solution(r *http.Request) (string, bool) {
	if ckie, err := r.Cookie(bastet.CookieName); err == nil && ckie.Value != "" {
		return ckie.Value, true
	}

	if s.policy.AllowXBastet {
		return r.Header.Get(bastet.HeaderName), false
	}

	return "", false
}

func (s *Server) checkPassCookie(r *http.Request, lg *slog.Logger) bool {
	if s.opts.CookieExpiration <= 0 {
		return false
	}

	ckie, err := r.Cookie(bastet.PassCookieName)
	if err != nil {
		return false
	}

	token, err := jwt.ParseWithClaims(ckie.Value, jwt.MapClaims{}, func(token *jwt.Token) (any, error) {
		return s.passKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.bastet.now),
	)
	if err != nil || !token.Valid {
		lg.Debug("invalid pass cookie", "err", err)
		return false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		lg.Debug("invalid pass cookie claims type")
		return false
	}

	difficulty, ok := claims["difficulty"].(float64)
	if !ok {
		lg.Debug("difficulty claim is not a number")
		return false
	}

	if difficulty < float64(s.policy.DifficultyBits) {
		lg.Debug("pass cookie was earned with a lower difficulty, issuing new challenge", "old", difficulty, "new", s.policy.DifficultyBits)
		return false
	}

	return true
}

func (s *Server) issuePassCookie(w http.ResponseWriter, r *http.Request, lg *slog.Logger) {
	if s.opts.CookieExpiration <= 0 {
		return
	}

	tokenString, err := s.signJWT(jwt.MapClaims{
		"difficulty": s.policy.DifficultyBits,
	})
	if err != nil {
		lg.Error("failed to sign JWT", "err", err)
		return
	}

	s.SetCookie(w, CookieOpts{
		Name:  bastet.PassCookieName,
		Value: tokenString,
		Host:  r.Host,
	})
}

// MakeChallenge answers with a fresh challenge record as JSON, for clients
// that solve challenges outside a browser.
func (s *Server) MakeChallenge(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	rec, err := s.issue()
	if err != nil {
		lg.Error("can't issue challenge", "err", err)
		writeJSONError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	setChallengeHeaders(w.Header())
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		lg.Error("failed to encode challenge", "err", err)
		return
	}

	lg.Debug("made challenge", "difficulty", rec.Difficulty, "expires_at", rec.ExpiresAt)
}

func (s *Server) issue() (*Record, error) {
	return s.bastet.IssueChallenge(s.policy.DifficultyBits, uint64(s.policy.TTL.Milliseconds()))
}

func recordJSON(rec *Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func writeJSONError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	reason := "internal server error"

	var cerr *challenge.Error
	if errors.As(err, &cerr) {
		status = cerr.StatusCode
		reason = cerr.PublicReason
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{
		Error: reason,
	})
}
