package valkey

import (
	"context"
	"fmt"
	"time"

	valkey "github.com/redis/go-redis/v9"
	"github.com/uvensys/bastet/lib/store"
)

// Store keeps claims as plain valkey keys with a TTL, so claims are shared by
// every bastet instance pointed at the same server.
type Store struct {
	rdb    *valkey.Client
	prefix string
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

// Claim relies on SET NX, which is atomic on the server.
func (s *Store) Claim(ctx context.Context, key string, expiry time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, s.key(key), "1", expiry).Result()
	if err != nil {
		return fmt.Errorf("can't claim %q in valkey: %w", key, err)
	}

	if !ok {
		return fmt.Errorf("%w: %q", store.ErrAlreadyClaimed, key)
	}

	return nil
}

func (s *Store) Claimed(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return n != 0, nil
}
