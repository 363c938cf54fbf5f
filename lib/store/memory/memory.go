package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uvensys/bastet/decaymap"
	"github.com/uvensys/bastet/lib/store"
)

type factory struct{}

func (factory) Build(ctx context.Context, _ json.RawMessage) (store.Interface, error) {
	return New(ctx), nil
}

func (factory) Valid(json.RawMessage) error { return nil }

func init() {
	store.Register("memory", factory{})
}

type impl struct {
	store *decaymap.Impl[string, struct{}]
}

func (i *impl) Claim(_ context.Context, key string, expiry time.Duration) error {
	if !i.store.SetIfAbsent(key, struct{}{}, expiry) {
		return fmt.Errorf("%w: %q", store.ErrAlreadyClaimed, key)
	}

	return nil
}

func (i *impl) Claimed(_ context.Context, key string) (bool, error) {
	_, ok := i.store.Get(key)
	return ok, nil
}

func (i *impl) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			i.store.Cleanup()
		}
	}
}

// New creates a simple in-memory store. Claims are not shared between bastet
// instances, so a cookie can be spent once per instance.
func New(ctx context.Context) store.Interface {
	result := &impl{
		store: decaymap.New[string, struct{}](),
	}

	go result.cleanupThread(ctx)

	return result
}
