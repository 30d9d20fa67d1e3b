// Package pubcache is the published-message context cache: a bounded
// mapping from a message's 128-bit fingerprint to the Context needed to
// re-route it if the broker returns it undeliverable.
//
// The underlying recency list + age eviction is backed by
// github.com/hashicorp/golang-lru/v2's expirable.LRU rather than a
// hand-rolled doubly linked list. Store/Fetch wrap it with a touch-by
// remove-then-add so that a hit refreshes the entry's age and moves it to
// the tail (the library's own Get does not reset a key's TTL).
package pubcache

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MaxAge is the maximum time a published context is retained awaiting a
// broker return. Returns arrive shortly after publish; 60s is ample.
const MaxAge = 60 * time.Second

// Fingerprint is the 128-bit MD5 digest of a serialized message body.
type Fingerprint [16]byte

// FingerprintOf computes the cache key for a serialized message.
func FingerprintOf(message []byte) Fingerprint {
	return md5.Sum(message) //nolint:gosec
}

// Context is the publish metadata captured for mandatory-routed messages.
// Brokers is the ordered candidate set the message was published against;
// Failed accumulates identities that have already returned it (Remaining
// gives the candidates still left).
type Context struct {
	Name    string
	Type    string
	From    string
	Token   string
	OneWay  bool
	Options map[string]any

	Brokers []string
	Failed  []string
}

// WithFailure returns a copy of c with identity appended to Failed, unless
// it is already present.
func (c Context) WithFailure(identity string) Context {
	for _, f := range c.Failed {
		if f == identity {
			return c
		}
	}
	out := c
	out.Failed = append(append([]string(nil), c.Failed...), identity)
	return out
}

// Remaining returns the identities in c.Brokers that are not in c.Failed
// and are present in connected.
func (c Context) Remaining(connected map[string]bool) []string {
	failed := make(map[string]bool, len(c.Failed))
	for _, f := range c.Failed {
		failed[f] = true
	}
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if !failed[b] && connected[b] {
			out = append(out, b)
		}
	}
	return out
}

// BrokersConnected returns c.Brokers intersected with connected, ignoring
// Failed (used for the last-resort persistent/one-way retry).
func (c Context) BrokersConnected(connected map[string]bool) []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if connected[b] {
			out = append(out, b)
		}
	}
	return out
}

// Cache is the bounded published-context store.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[Fingerprint, Context]
}

// New constructs a Cache evicting entries older than maxAge. maxAge <= 0
// defaults to MaxAge. size <= 0 means unbounded by count (age is still
// enforced).
func New(maxAge time.Duration, size int) *Cache {
	if maxAge <= 0 {
		maxAge = MaxAge
	}
	if size <= 0 {
		size = 0 // expirable.LRU treats 0 as unbounded capacity
	}
	return &Cache{lru: expirable.NewLRU[Fingerprint, Context](size, nil, maxAge)}
}

// Store records ctx for message, keyed by its fingerprint. If the
// fingerprint is already present, the existing entry is refreshed
// (timestamp reset, moved to tail) rather than duplicated, so repeated
// identical payloads share one entry.
func (c *Cache) Store(message []byte, ctx Context) Fingerprint {
	fp := FingerprintOf(message)
	c.mu.Lock()
	defer c.mu.Unlock()
	// Remove-then-add refreshes the TTL clock the library stamps at Add
	// time; a bare Add over an existing key would otherwise leave the
	// original expiry in place on some versions of this library.
	c.lru.Remove(fp)
	c.lru.Add(fp, ctx)
	return fp
}

// Fetch looks up the context for message's fingerprint. On a hit, the
// entry is touched (refreshed and moved to the tail) before being
// returned.
func (c *Cache) Fetch(message []byte) (Context, bool) {
	fp := FingerprintOf(message)
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.lru.Get(fp)
	if !ok {
		return Context{}, false
	}
	c.lru.Remove(fp)
	c.lru.Add(fp, ctx)
	return ctx, true
}

// Len reports the number of live (non-expired) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
