// Package cache is the gateway's short-TTL idempotency layer for rendered
// responses. It is aware of what it stores: entries are keyed by the resolved
// (route, provider, model) binding plus a digest of the raw request body,
// and the cacheability rules live here — streams are never offered to the
// cache, and Save refuses partial responses and anything that is not a
// completed assistant turn. A stale hit whose binding no longer matches the
// key is treated as a miss.
//
// Two backends implement Store: MemoryStore (in-process, bounded) and
// RedisStore (shared across replicas). Both degrade gracefully: a broken
// backend produces misses, never request failures.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
)

// Key identifies one cacheable response: the resolved binding coordinates
// plus a digest of the raw request body. Identical bodies routed to different
// bindings never collide.
type Key struct {
	Route    string
	Provider string
	Model    string

	digest string
}

// NewKey digests the raw request body under the binding coordinates.
func NewKey(route, provider, model string, rawRequest []byte) Key {
	h := sha256.New()
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(rawRequest)
	return Key{
		Route:    route,
		Provider: provider,
		Model:    model,
		digest:   hex.EncodeToString(h.Sum(nil)),
	}
}

// String returns the backend storage key.
func (k Key) String() string { return "resp:" + k.digest }

// envelope is what backends actually persist: the rendered body plus the
// binding coordinates it was produced under, so a read can verify the entry
// still belongs to the key that asked for it.
type envelope struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	StoredAt time.Time `json:"stored_at"`
	Body     []byte    `json:"body"`
}

func (e *envelope) matches(k Key) bool {
	return e.Provider == k.Provider && e.Model == k.Model
}

// Store is a response cache backend.
type Store interface {
	// Fetch returns the cached body for key, or (nil, false) on a miss,
	// an expired entry, or a binding mismatch.
	Fetch(ctx context.Context, key Key) ([]byte, bool)

	// Save stores the rendered body for key unless the response is not
	// cacheable. Backends never fail the request: errors degrade to a
	// future miss.
	Save(ctx context.Context, key Key, resp *anthropic.Response, body []byte, ttl time.Duration) error
}

// Cacheable reports whether a response may enter the cache: only complete,
// non-partial assistant messages with a terminal stop reason qualify.
// Streaming responses never reach the cache at all; this guards the rest.
func Cacheable(resp *anthropic.Response) bool {
	if resp == nil || resp.Partial {
		return false
	}
	if resp.Type != "message" || resp.Role != anthropic.RoleAssistant {
		return false
	}
	return resp.StopReason != ""
}
