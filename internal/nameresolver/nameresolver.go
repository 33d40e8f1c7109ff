// Package nameresolver resolves human-readable names appearing in
// outputs[].to_external (component C2) via a pluggable external registry,
// with a bounded-TTL cache in front of it. Grounded on the identity-client
// shape of services/otc-gateway/identity but generalized behind a small
// Registry interface so HTTP and fixture implementations are
// interchangeable.
package nameresolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/proposer-node/proposer/internal/types"
	"github.com/proposer-node/proposer/internal/validator"
)

// Registry performs the single on-chain/off-chain lookup for a name. It is
// the only call the Resolver ever makes on a cache miss.
type Registry interface {
	Lookup(ctx context.Context, name string) (address string, found bool, err error)
}

type cacheEntry struct {
	address string
	found   bool
	expiry  time.Time
}

// Resolver memoizes Registry lookups with a TTL, caching both hits and
// explicit not-found results separately so a name that fails to resolve
// isn't re-queried on every submission within the TTL window.
type Resolver struct {
	registry Registry
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New constructs a Resolver. ttl defaults to 1h (NAME_CACHE_TTL_MS default
// of 3.6e6) when zero or negative.
func New(registry Registry, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve returns the canonical address for name, performing a single
// Registry lookup on a cache miss. It returns types.ErrNameUnresolved when
// the registry reports the name does not exist.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", fmt.Errorf("nameresolver: empty name")
	}

	if entry, ok := r.cachedLookup(key); ok {
		if !entry.found {
			return "", types.ErrNameUnresolved
		}
		return entry.address, nil
	}

	address, found, err := r.registry.Lookup(ctx, key)
	if err != nil {
		return "", fmt.Errorf("nameresolver: lookup %q: %w", key, err)
	}

	r.store(key, cacheEntry{address: strings.ToLower(address), found: found, expiry: r.now().Add(r.ttl)})
	if !found {
		return "", types.ErrNameUnresolved
	}
	return strings.ToLower(address), nil
}

func (r *Resolver) cachedLookup(key string) (cacheEntry, bool) {
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || r.now().After(entry.expiry) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (r *Resolver) store(key string, entry cacheEntry) {
	r.mu.Lock()
	r.cache[key] = entry
	r.mu.Unlock()
}

// ResolveIntentionNames mutates the intention in place, replacing every
// to_external name with its resolved address. Per spec §4.5 this must run
// strictly after signature verification (step 2), before full validation
// (step 4).
func ResolveIntentionNames(ctx context.Context, r *Resolver, in *types.Intention) error {
	for idx := range in.Outputs {
		output := &in.Outputs[idx]
		if output.ToExternal == nil {
			continue
		}
		if _, err := validator.Address("outputs[].to_external", *output.ToExternal); err == nil {
			// Already a canonical address, not a name requiring resolution.
			continue
		}
		resolved, err := r.Resolve(ctx, *output.ToExternal)
		if err != nil {
			return err
		}
		*output.ToExternal = resolved
	}
	return nil
}
