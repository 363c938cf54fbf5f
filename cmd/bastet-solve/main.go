// Command bastet-solve solves a bastet challenge outside the browser and
// prints the cookie to present.
//
// The challenge record is read from the first argument, from stdin, or
// fetched from a bastet instance with -url:
//
//	curl -s https://example.com/.bastet/api/challenge | bastet-solve
//	bastet-solve -url https://example.com
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/facebookgo/flagenv"

	"github.com/uvensys/bastet"
	"github.com/uvensys/bastet/internal"
	libbastet "github.com/uvensys/bastet/lib"
	"github.com/uvensys/bastet/lib/challenge"
)

var (
	baseURL   = flag.String("url", "", "if set, fetch the challenge from the bastet instance at this URL")
	slogLevel = flag.String("slog-level", "WARN", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	timeout   = flag.Duration("timeout", time.Minute, "give up after this long")
	workers   = flag.Int("workers", runtime.NumCPU(), "number of goroutines searching for a nonce")
)

var errNoChallenge = errors.New("no challenge record given")

func main() {
	flagenv.Parse()
	flag.Parse()

	internal.InitSlog(*slogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *baseURL, flag.Args(), os.Stdin, os.Stdout, *workers); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, url string, args []string, stdin io.Reader, stdout io.Writer, workers int) error {
	data, err := readRecord(ctx, url, args, stdin)
	if err != nil {
		return err
	}

	rec, err := libbastet.ParseRecord(data)
	if err != nil {
		return fmt.Errorf("can't parse challenge record: %w", err)
	}

	chall, err := rec.Challenge()
	if err != nil {
		return fmt.Errorf("can't parse challenge record: %w", err)
	}

	slog.Debug("solving", "difficulty", chall.DifficultyBits, "expires_at", chall.ExpiresAt, "workers", workers)
	started := time.Now()

	nonce, err := challenge.Solve(ctx, chall, challenge.SHA256{}, workers)
	if err != nil {
		return fmt.Errorf("can't solve challenge: %w", err)
	}

	slog.Debug("solved", "nonce", nonce, "took", time.Since(started))

	ck, err := rec.Cookie(nonce)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, ck.String())
	return err
}

func readRecord(ctx context.Context, url string, args []string, stdin io.Reader) ([]byte, error) {
	switch {
	case url != "":
		return fetchRecord(ctx, url)
	case len(args) > 0:
		return []byte(args[0]), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("can't read stdin: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errNoChallenge
	}

	return data, nil
}

func fetchRecord(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(url, "/")+bastet.APIPrefix+"challenge", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("can't fetch challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("can't fetch challenge: unexpected status code: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
