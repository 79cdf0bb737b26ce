// Package secretcache implements the per-identity single-flight fetch
// cache: the primitive that guarantees a secret declared by several
// templates is fetched at most once per pass.
package secretcache

import (
	"sync"
	"time"

	"github.com/systmms/rconfd/internal/backend"
	"github.com/systmms/rconfd/internal/secure"
	"github.com/systmms/rconfd/internal/vaultclient"
)

// Entry is one resolved secret: its value held in a memguard enclave, plus
// whatever lease metadata a Vault fetch attached.
type Entry struct {
	value     *secure.SecureBuffer
	json      bool
	Lease     *vaultclient.Lease
	Role      string
	FetchedAt time.Time
}

// newEntry wraps a fetched value for storage in the cache.
func newEntry(v backend.Value, lease *vaultclient.Lease, role string) (Entry, error) {
	buf, err := secure.NewSecureBufferFromString(v.Raw)
	if err != nil {
		return Entry{}, err
	}
	return Entry{value: buf, json: v.JSON, Lease: lease, Role: role, FetchedAt: time.Now()}, nil
}

// Value opens the entry's enclave and returns the plain backend.Value. The
// caller does not own the returned string beyond immediate use; the enclave
// stays the value's home for the entry's lifetime.
func (e Entry) Value() (backend.Value, error) {
	locked, err := e.value.Open()
	if err != nil {
		return backend.Value{}, err
	}
	defer locked.Destroy()
	return backend.Value{Raw: string(locked.Bytes()), JSON: e.json}, nil
}

// Leased reports whether this entry carries lease metadata.
func (e Entry) Leased() bool { return e.Lease != nil }

// call is one in-flight fetch; siblings requesting the same identity block
// on wg instead of issuing their own fetch.
type call struct {
	wg    sync.WaitGroup
	entry Entry
	err   error
}

// FetchFunc performs the actual backend/Vault call for one identity.
type FetchFunc func() (backend.Value, *vaultclient.Lease, string, error)

// Cache is the process-wide secret cache. It is safe for concurrent use;
// per §5 it is the only piece of shared mutable state accessed from more
// than the scheduler's own goroutine during Resolve.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]Entry
	calls       map[string]*call
	failedRoles map[string]struct{}
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries:     make(map[string]Entry),
		calls:       make(map[string]*call),
		failedRoles: make(map[string]struct{}),
	}
}

// Fetch returns the cached entry for identity, or runs fn exactly once
// across however many concurrent callers request the same identity,
// caching and returning its result to all of them.
func (c *Cache) Fetch(identity string, fn FetchFunc) (Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[identity]; ok {
		c.mu.Unlock()
		return e, nil
	}
	if existing, ok := c.calls[identity]; ok {
		c.mu.Unlock()
		existing.wg.Wait()
		return existing.entry, existing.err
	}

	cl := &call{}
	cl.wg.Add(1)
	c.calls[identity] = cl
	c.mu.Unlock()

	value, lease, role, err := fn()
	if err == nil {
		cl.entry, cl.err = newEntry(value, lease, role)
	} else {
		cl.err = err
	}

	c.mu.Lock()
	delete(c.calls, identity)
	if cl.err == nil {
		c.entries[identity] = cl.entry
	}
	c.mu.Unlock()

	cl.wg.Done()
	return cl.entry, cl.err
}

// Get returns the cached entry for identity without triggering a fetch.
func (c *Cache) Get(identity string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	return e, ok
}

// Invalidate drops identity's cached entry so the next Fetch call re-runs
// its FetchFunc. Used to force a refresh of a dynamic exe: value or a
// leased secret whose renewal failed. The outgoing entry's secure buffer
// is destroyed immediately rather than left for garbage collection.
func (c *Cache) Invalidate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[identity]; ok {
		e.value.Destroy()
	}
	delete(c.entries, identity)
}

// Replace overwrites identity's cached entry directly, used after a
// successful in-place lease renewal that does not require a re-fetch.
// A lease renewal reuses the existing entry's secure buffer (only Lease
// and FetchedAt change), so the outgoing entry is destroyed only when e
// actually carries a different buffer — otherwise Replace would destroy
// the very value it is about to re-store.
func (c *Cache) Replace(identity string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[identity]; ok && old.value != e.value {
		old.value.Destroy()
	}
	c.entries[identity] = e
}

// LeasedIdentities returns the identities of every currently cached entry
// that carries lease metadata, for the scheduler's wake_at computation.
func (c *Cache) LeasedIdentities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, e := range c.entries {
		if e.Leased() {
			out = append(out, id)
		}
	}
	return out
}

// MarkRoleFailed records that a role's Vault session failed auth this
// pass. Every fetch that would use this role should be skipped for the
// remainder of the pass.
func (c *Cache) MarkRoleFailed(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRoles[role] = struct{}{}
}

// RoleFailed reports whether role has already failed auth this pass.
func (c *Cache) RoleFailed(role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.failedRoles[role]
	return ok
}

// ResetRoleFailures clears the failed-role set at the start of a new pass.
func (c *Cache) ResetRoleFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRoles = make(map[string]struct{})
}
