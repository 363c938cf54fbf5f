package challenge

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrNoSolution is returned by Solve when the whole nonce space was searched.
var ErrNoSolution = errors.New("challenge: no nonce satisfies the difficulty")

// Solve searches for a nonce whose digest satisfies the challenge difficulty.
// The nonce space is interleaved across workers goroutines; workers <= 0 uses
// GOMAXPROCS. Expiry is not checked, that is the verifier's job.
//
// Bastet never calls this when serving requests. It exists for clients,
// the bastet-solve command and tests.
func Solve(ctx context.Context, c *Challenge, d Digest, workers int) (uint64, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		found  atomic.Bool
		result atomic.Uint64
	)

	for w := range workers {
		g.Go(func() error {
			step := uint64(workers)
			for n, i := uint64(w), 0; ; n, i = n+step, i+1 {
				if i%4096 == 0 {
					if err := ctx.Err(); err != nil {
						if found.Load() {
							return nil
						}
						return err
					}
				}

				if LeadingZeroBits(d.Sum(c.Payload[:], NonceBytes(n))) >= int(c.DifficultyBits) {
					if found.CompareAndSwap(false, true) {
						result.Store(n)
					}
					cancel()
					return nil
				}

				if n > ^uint64(0)-step {
					return nil
				}
			}
		})
	}

	err := g.Wait()
	if found.Load() {
		return result.Load(), nil
	}
	if err != nil {
		return 0, err
	}

	return 0, ErrNoSolution
}
