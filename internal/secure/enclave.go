package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// SecureBuffer holds one fetched secret value inside a memguard.Enclave, so it stays encrypted at rest in the secret
// cache and mlock'd against swap between the moment it is fetched and
// the moment a template consumes it. secretcache.Entry is its only
// caller; Cache.Invalidate and Cache.Replace call Destroy on an
// outgoing entry's buffer so a stale identity's plaintext doesn't
// linger past the cache's own bookkeeping of it.
type SecureBuffer struct {
	enclave *memguard.Enclave
	mu      sync.RWMutex
	// destroyed guards against a goroutine still holding an Entry copied
	// out of Cache.Get concurrently with another goroutine invalidating
	// that same identity: Open() on a destroyed buffer degrades to an
	// empty result instead of touching a nilled enclave.
	destroyed bool
}

// NewSecureBuffer copies data into a memguard enclave (encrypted with
// XSalsa20Poly1305, mlock'd against swap where the platform allows it)
// and returns a handle to it. memguard wipes the caller's data slice once
// it has been copied into the enclave. Never fails even where mlock is unavailable; memguard
// degrades to plain memory in that case.
func NewSecureBuffer(data []byte) (*SecureBuffer, error) {
	return &SecureBuffer{enclave: memguard.NewEnclave(data)}, nil
}

// NewSecureBufferFromString is the constructor secretcache actually
// calls: a backend fetch or a Vault client always yields a string.
func NewSecureBufferFromString(s string) (*SecureBuffer, error) {
	return NewSecureBuffer([]byte(s))
}

// Open decrypts the enclave into a locked buffer. The caller must call
// Destroy on the result once done with it — secretcache.Entry.Value
// does so immediately after copying the plaintext out, since the
// locked buffer only needs to exist for that copy.
func (s *SecureBuffer) Open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// memguard does not create an enclave for empty data, so an empty
	// secret opens to an empty buffer just like a destroyed one.
	if s.destroyed || s.enclave == nil {
		return memguard.NewBufferFromBytes([]byte{}), nil
	}
	return s.enclave.Open()
}

// Destroy releases this buffer's enclave and makes every future Open
// return an empty buffer. Idempotent, since both Cache.Invalidate and
// Cache.Replace may race to retire the same identity's outgoing entry.
func (s *SecureBuffer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.enclave = nil
	s.destroyed = true
}
