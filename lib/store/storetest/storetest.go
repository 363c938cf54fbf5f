// Package storetest holds the behaviour every store backend has to share.
package storetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uvensys/bastet/lib/store"
)

func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "claim once",
			doer: func(t *testing.T, s store.Interface) error {
				claimed, err := s.Claimed(t.Context(), t.Name())
				if err != nil {
					return err
				}
				if claimed {
					t.Errorf("wanted %s to be unclaimed but it is claimed anyways", t.Name())
				}

				if err := s.Claim(t.Context(), t.Name(), 5*time.Minute); err != nil {
					return err
				}

				claimed, err = s.Claimed(t.Context(), t.Name())
				if err != nil {
					return err
				}
				if !claimed {
					t.Errorf("wanted %s to be claimed but it is not", t.Name())
				}

				return s.Claim(t.Context(), t.Name(), 5*time.Minute)
			},
			err: store.ErrAlreadyClaimed,
		},
		{
			name: "claim expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Claim(t.Context(), t.Name(), 150*time.Millisecond); err != nil {
					return err
				}

				//nosleep:bypass claims expire on wall clock time in every backend.
				time.Sleep(1100 * time.Millisecond)

				claimed, err := s.Claimed(t.Context(), t.Name())
				if err != nil {
					return err
				}
				if claimed {
					t.Errorf("wanted %s to be unclaimed after expiry but it is still claimed", t.Name())
				}

				return s.Claim(t.Context(), t.Name(), 5*time.Minute)
			},
		},
		{
			name: "concurrent claims have one winner",
			doer: func(t *testing.T, s store.Interface) error {
				var (
					wg      sync.WaitGroup
					winners atomic.Int32
					errs    = make(chan error, 32)
				)

				for range 32 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						err := s.Claim(t.Context(), t.Name(), 5*time.Minute)
						switch {
						case err == nil:
							winners.Add(1)
						case errors.Is(err, store.ErrAlreadyClaimed):
						default:
							errs <- err
						}
					}()
				}

				wg.Wait()
				close(errs)

				for err := range errs {
					return err
				}

				if n := winners.Load(); n != 1 {
					return fmt.Errorf("wanted exactly one winner, got %d", n)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
