// Package decaymap is a map whose entries stop existing after their expiry.
package decaymap

import (
	"sync"
	"time"
)

// Zilch returns the zero value of T.
func Zilch[T any]() T {
	var zero T
	return zero
}

type decayMapEntry[V any] struct {
	Value  V
	expiry time.Time
}

// Impl is a lazy key->value map. Expired entries are invisible to readers and
// are removed by Cleanup or when they are next touched.
type Impl[K comparable, V any] struct {
	data map[K]decayMapEntry[V]
	lock sync.RWMutex

	now func() time.Time
}

func New[K comparable, V any]() *Impl[K, V] {
	return &Impl[K, V]{
		data: make(map[K]decayMapEntry[V]),
		now:  time.Now,
	}
}

func (m *Impl[K, V]) expire(key K) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if val, ok := m.data[key]; ok && m.now().After(val.expiry) {
		delete(m.data, key)
		return true
	}

	return false
}

// Get returns the value for key if it exists and has not expired.
func (m *Impl[K, V]) Get(key K) (V, bool) {
	m.lock.RLock()
	value, ok := m.data[key]
	m.lock.RUnlock()

	if !ok {
		return Zilch[V](), false
	}

	if m.now().After(value.expiry) {
		m.expire(key)
		return Zilch[V](), false
	}

	return value.Value, true
}

// SetIfAbsent stores value under key unless a live entry already exists. It
// reports whether the value was stored.
func (m *Impl[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	if old, ok := m.data[key]; ok && !now.After(old.expiry) {
		return false
	}

	m.data[key] = decayMapEntry[V]{
		Value:  value,
		expiry: now.Add(ttl),
	}

	return true
}

// Cleanup removes every expired entry.
func (m *Impl[K, V]) Cleanup() {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	for key, val := range m.data {
		if now.After(val.expiry) {
			delete(m.data, key)
		}
	}
}
