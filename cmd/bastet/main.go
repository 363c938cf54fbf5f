package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uvensys/bastet"
	"github.com/uvensys/bastet/data"
	"github.com/uvensys/bastet/internal"
	libbastet "github.com/uvensys/bastet/lib"
	"github.com/uvensys/bastet/lib/policy/config"
	"github.com/uvensys/bastet/web"
)

var (
	allowXBastet             = flag.Bool("allow-x-bastet", false, "if true, accept solved challenges in the X-Bastet header as well as the cookie")
	bind                     = flag.String("bind", ":8923", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	challengeDifficulty      = flag.Int("difficulty", bastet.DefaultDifficulty, "difficulty of the challenge in leading zero bits, unless the policy sets one")
	challengeTTL             = flag.Duration("ttl", bastet.DefaultTTL, "how long an issued challenge can be solved for, unless the policy sets one")
	challengeDigest          = flag.String("digest", config.DefaultDigest, "hash used for the proof of work and challenge signatures, unless the policy sets one")
	cookieDomain             = flag.String("cookie-domain", "", "if set, the top-level domain that the bastet cookies will be valid for")
	cookieDynamicDomain      = flag.Bool("cookie-dynamic-domain", false, "if set, automatically set the cookie Domain value based on the request domain")
	cookieExpiration         = flag.Duration("cookie-expiration-time", bastet.CookieDefaultExpirationTime, "the amount of time the pass cookie is valid for, 0 disables it")
	cookiePartitioned        = flag.Bool("cookie-partitioned", false, "if true, sets the partitioned flag on bastet cookies, enabling CHIPS support")
	cookieSecure             = flag.Bool("cookie-secure", true, "if true, sets the secure flag on bastet cookies")
	extractResources         = flag.String("extract-resources", "", "if set, extract the static resources and the default policy to the specified folder")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against bastet")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	policyFname              = flag.String("policy-fname", "", "full path to bastet policy document (defaults to a built-in policy that gates everything)")
	secretFlag               = flag.String("secret", "", "secret used to sign challenges and pass cookies, a random one is used if not set")
	secretFile               = flag.String("secret-file", "", "file name containing value for secret")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	target                   = flag.String("target", "http://localhost:3923", "target to reverse proxy to, set to an empty string to disable proxying when only using the check endpoint")
	targetHost               = flag.String("target-host", "", "if set, the value of the Host header when forwarding requests to the target")
	targetInsecureSkipVerify = flag.Bool("target-insecure-skip-verify", false, "if true, skips TLS validation for the backend")
	targetSNI                = flag.String("target-sni", "", "if set, the value of the TLS handshake hostname when forwarding requests to the target")
	useRemoteAddress         = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running bastet on bare metal")
	versionFlag              = flag.Bool("version", false, "print bastet version")
)

var (
	errBothSecrets = errors.New("do not specify both SECRET and SECRET_FILE")
	errEmptySecret = errors.New("secret must not be empty")
)

// loadSecret returns the configured signing secret, or nil if none is
// configured.
func loadSecret(value, fname string) ([]byte, error) {
	switch {
	case value != "" && fname != "":
		return nil, errBothSecrets
	case value != "":
		return []byte(value), nil
	case fname != "":
		data, err := os.ReadFile(fname)
		if err != nil {
			return nil, fmt.Errorf("failed to read SECRET_FILE %s: %w", fname, err)
		}

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			return nil, fmt.Errorf("SECRET_FILE %s: %w", fname, errEmptySecret)
		}

		return data, nil
	default:
		return nil, nil
	}
}

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to fetch health status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to parse bind URL: %w", err))
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path
	case "tcp", "http", "https":
		return "tcp", bindUri.Host
	default:
		log.Fatal(fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address))
	}
	return "", address
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		network, address = parseBindNetFromAddr(address)
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // just a port, e.g. :8923
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		err = os.Chmod(address, os.FileMode(mode))
		if err != nil {
			err := listener.Close()
			if err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func makeReverseProxy(target string, targetSNI string, targetHost string, insecureSkipVerify bool) (http.Handler, error) {
	targetUri, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	// https://github.com/oauth2-proxy/oauth2-proxy/blob/4e2100a2879ef06aea1411790327019c1a09217c/pkg/upstream/http.go#L124
	if targetUri.Scheme == "unix" {
		// the socket path must not leak into proxied requests
		addr := targetUri.Path
		targetUri.Path = ""
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", addr)
		}
		transport.RegisterProtocol("unix", libbastet.UnixRoundTripper{Transport: transport})
	}

	if insecureSkipVerify || targetSNI != "" {
		transport.TLSClientConfig = &tls.Config{}
		if insecureSkipVerify {
			slog.Warn("TARGET_INSECURE_SKIP_VERIFY is set to true, TLS certificate validation will not be performed", "target", target)
			transport.TLSClientConfig.InsecureSkipVerify = true
		}
		if targetSNI != "" {
			transport.TLSClientConfig.ServerName = targetSNI
		}
	}

	rp := httputil.NewSingleHostReverseProxy(targetUri)
	rp.Transport = transport

	if targetHost != "" {
		originalDirector := rp.Director
		rp.Director = func(req *http.Request) {
			originalDirector(req)
			req.Host = targetHost
		}
	}

	return rp, nil
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("bastet", bastet.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *healthcheck {
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *extractResources != "" {
		if err := extractFS(data.Policy, ".", *extractResources); err != nil {
			log.Fatal(err)
		}
		if err := extractFS(web.Static, "static", *extractResources); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Extracted embedded static files to %s\n", *extractResources)
		return
	}

	var rp http.Handler
	// systemd can't set an empty environment variable, only a space
	if strings.TrimSpace(*target) != "" {
		var err error
		rp, err = makeReverseProxy(*target, *targetSNI, *targetHost, *targetInsecureSkipVerify)
		if err != nil {
			log.Fatalf("can't make reverse proxy: %v", err)
		}
	}

	if *cookieDomain != "" && *cookieDynamicDomain {
		log.Fatalf("you can't set COOKIE_DOMAIN and COOKIE_DYNAMIC_DOMAIN at the same time")
	}

	key, err := loadSecret(*secretFlag, *secretFile)
	if err != nil {
		log.Fatal(err)
	}

	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Fatalf("failed to generate secret: %v", err)
		}

		slog.Warn("generating random secret, challenges solved against one bastet instance will not pass another, set SECRET or SECRET_FILE when running more than one")
	}

	wg := new(sync.WaitGroup)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := libbastet.LoadPoliciesOrDefault(ctx, *policyFname, &config.Defaults{
		DifficultyBits: *challengeDifficulty,
		TTL:            *challengeTTL,
		Digest:         *challengeDigest,
	})
	if err != nil {
		log.Fatalf("can't parse policy file: %v", err)
	}

	if *allowXBastet {
		policy.AllowXBastet = true
	}

	b, err := libbastet.NewBastetForPolicy(ctx, policy, libbastet.BastetOptions{})
	if err != nil {
		log.Fatalf("can't construct bastet: %v", err)
	}

	if err := b.SetSecret(key); err != nil {
		log.Fatalf("can't install secret: %v", err)
	}

	s, err := libbastet.New(libbastet.Options{
		Next:                rp,
		Policy:              policy,
		Bastet:              b,
		CookieDomain:        *cookieDomain,
		CookieDynamicDomain: *cookieDynamicDomain,
		CookieExpiration:    *cookieExpiration,
		CookiePartitioned:   *cookiePartitioned,
		CookieSecure:        *cookieSecure,
	})
	if err != nil {
		log.Fatalf("can't construct libbastet.Server: %v", err)
	}

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	var h http.Handler
	h = s
	h = internal.RemoteXRealIP(*useRemoteAddress, *bindNetwork, h)
	h = internal.XForwardedForToXRealIP(h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"mode", policy.Mode,
		"difficulty", policy.DifficultyBits,
		"ttl", policy.TTL,
		"digest", policy.Digest.Name(),
		"allow-x-bastet", policy.AllowXBastet,
		"target", *target,
		"version", bastet.Version,
		"use-remote-address", *useRemoteAddress,
		"cookie-expiration-time", *cookieExpiration,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "OK")
	})

	return mux
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	srv := http.Server{Handler: metricsMux(), ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func extractFS(fsys fs.FS, root string, destDir string) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		destPath := filepath.Join(destDir, root, path)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0o700)
		}

		embeddedData, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}

		return os.WriteFile(destPath, embeddedData, 0o644)
	})
}
