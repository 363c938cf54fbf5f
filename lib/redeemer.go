package lib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uvensys/bastet/internal"
	"github.com/uvensys/bastet/lib/cookie"
	"github.com/uvensys/bastet/lib/store"
)

// ErrReplayed is returned when a cookie for an already redeemed challenge is
// presented again.
var ErrReplayed = errors.New("lib: challenge was already redeemed")

// Redeemer makes every issued challenge redeemable once. Claims are keyed by
// the challenge tag, so two different nonces for one challenge also collide.
type Redeemer struct {
	store store.Interface
}

func NewRedeemer(s store.Interface) *Redeemer {
	return &Redeemer{store: s}
}

func redeemKey(ck *cookie.Cookie) string {
	return "redeem:" + internal.FastHash(string(ck.Tag[:]))
}

// Redeem claims the cookie's challenge until the challenge expires.
func (r *Redeemer) Redeem(ctx context.Context, ck *cookie.Cookie, now time.Time) error {
	// Validation accepts up to and including the expiry second.
	expiry := time.Unix(int64(ck.ExpiresAt)+1, 0).Sub(now)
	if expiry < time.Second {
		expiry = time.Second
	}

	if err := r.store.Claim(ctx, redeemKey(ck), expiry); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			return fmt.Errorf("%w: %w", ErrReplayed, err)
		}

		return fmt.Errorf("lib: can't redeem challenge: %w", err)
	}

	return nil
}
