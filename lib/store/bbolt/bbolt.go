package bbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uvensys/bastet/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
)

var claimsBucket = []byte("claims")

// Store implements store.Interface backed by bbolt[1].
//
// Every claim lives in a single bucket. The key is the claim key and the value
// is the claim's expiry as eight little-endian bytes of Unix nanoseconds, so
// the janitor can drop stale claims without decoding anything else.
//
// bbolt holds an exclusive file lock, so it is not suitable for environments
// where multiple instances of bastet need to share claims. For that, use the
// valkey storage backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
	now func() time.Time
}

func encodeExpiry(t time.Time) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	return buf[:]
}

func decodeExpiry(val []byte) (time.Time, error) {
	if len(val) != 8 {
		return time.Time{}, fmt.Errorf("%w: expiry is %d bytes, want 8", store.ErrCantDecode, len(val))
	}

	return time.Unix(0, int64(binary.LittleEndian.Uint64(val))), nil
}

// Claim atomically records key until expiry elapses. bbolt serializes write
// transactions, so the check and the put cannot interleave with another Claim.
func (s *Store) Claim(ctx context.Context, key string, expiry time.Duration) error {
	now := s.now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(claimsBucket)
		if bkt == nil {
			return ErrBucketDoesNotExist
		}

		if val := bkt.Get([]byte(key)); val != nil {
			exp, err := decodeExpiry(val)
			if err != nil {
				return fmt.Errorf("[unexpected] %w: %q", err, key)
			}

			if !now.After(exp) {
				return fmt.Errorf("%w: %q", store.ErrAlreadyClaimed, key)
			}
		}

		if err := bkt.Put([]byte(key), encodeExpiry(now.Add(expiry))); err != nil {
			return fmt.Errorf("%w: %w: %q", store.ErrCantEncode, err, key)
		}

		return nil
	})
}

// Claimed reports whether key holds a claim that has not expired.
func (s *Store) Claimed(ctx context.Context, key string) (bool, error) {
	var result bool

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(claimsBucket)
		if bkt == nil {
			return ErrBucketDoesNotExist
		}

		val := bkt.Get([]byte(key))
		if val == nil {
			return nil
		}

		exp, err := decodeExpiry(val)
		if err != nil {
			return fmt.Errorf("[unexpected] %w: %q", err, key)
		}

		result = !s.now().After(exp)
		return nil
	}); err != nil {
		return false, err
	}

	return result, nil
}

func (s *Store) cleanup(ctx context.Context) error {
	now := s.now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(claimsBucket)
		if bkt == nil {
			return ErrBucketDoesNotExist
		}

		var stale [][]byte
		if err := bkt.ForEach(func(key, val []byte) error {
			exp, err := decodeExpiry(val)
			if err != nil {
				slog.Warn("while running cleanup, found undecodable expiry, dropping it", "key", string(key), "err", err)
				stale = append(stale, append([]byte(nil), key...))
				return nil
			}

			if now.After(exp) {
				stale = append(stale, append([]byte(nil), key...))
			}

			return nil
		}); err != nil {
			return err
		}

		for _, key := range stale {
			if err := bkt.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("error closing bbolt database", "err", err)
			}
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
