package challenge

import (
	"crypto/sha256"
	"hash"
	"sort"
	"sync"
)

var (
	registry map[string]Digest = map[string]Digest{}
	regLock  sync.RWMutex
)

func init() {
	RegisterDigest(SHA256{})
}

// RegisterDigest makes a Digest available by name.
func RegisterDigest(d Digest) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[d.Name()] = d
}

func GetDigest(name string) (Digest, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

func Digests() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	var result []string
	for name := range registry {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Digest produces a fixed-length digest from concatenated byte segments.
type Digest interface {
	// Name is the registry name of the digest, e.g. "sha256".
	Name() string

	// Size is the length of the output of Sum in bytes.
	Size() int

	// New returns a fresh hash.Hash for the digest. The Authenticator keys HMAC with it.
	New() hash.Hash

	// Sum hashes parts as if they were concatenated in order.
	Sum(parts ...[]byte) []byte
}

// SHA256 is the SHA-256 Digest.
type SHA256 struct{}

func (SHA256) Name() string   { return "sha256" }
func (SHA256) Size() int      { return sha256.Size }
func (SHA256) New() hash.Hash { return sha256.New() }

func (SHA256) Sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
