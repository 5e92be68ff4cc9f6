package authn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/svcgate/internal/xerrors"
)

// ErrAnchorNotFound is returned by resolvers when no anchor carries the
// requested key identifier.
var ErrAnchorNotFound = xerrors.New("trust anchor not found")

// Resolver looks up a trust anchor by key identifier. Implementations own
// rotation and caching; the extractor holds no anchor state of its own.
type Resolver interface {
	Resolve(ctx context.Context, keyID string) (TrustAnchor, error)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(ctx context.Context, keyID string) (TrustAnchor, error)

func (f ResolverFunc) Resolve(ctx context.Context, keyID string) (TrustAnchor, error) {
	return f(ctx, keyID)
}

// StaticResolver serves anchors from an in-memory table. Replace swaps the
// whole table atomically, so a rotation is visible to concurrent lookups
// without locking the request path.
type StaticResolver struct {
	table atomic.Pointer[map[string]TrustAnchor]
}

func NewStaticResolver(anchors ...TrustAnchor) *StaticResolver {
	r := &StaticResolver{}
	r.Replace(anchors)
	return r
}

// Replace installs a new anchor set, dropping the previous one.
func (r *StaticResolver) Replace(anchors []TrustAnchor) {
	table := make(map[string]TrustAnchor, len(anchors))
	for _, a := range anchors {
		table[a.KeyID] = a
	}
	r.table.Store(&table)
}

// Len reports the current anchor count.
func (r *StaticResolver) Len() int { return len(*r.table.Load()) }

func (r *StaticResolver) Resolve(_ context.Context, keyID string) (TrustAnchor, error) {
	if a, ok := (*r.table.Load())[keyID]; ok {
		return a, nil
	}
	return TrustAnchor{}, ErrAnchorNotFound
}

type cachedAnchor struct {
	anchor  TrustAnchor
	expires time.Time
}

// CachingResolver memoizes successful lookups from a slower upstream
// resolver for a fixed TTL. Misses always go upstream; failures are not
// cached so a transient upstream error does not pin a rejection.
type CachingResolver struct {
	upstream Resolver
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedAnchor
}

func NewCachingResolver(upstream Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedAnchor),
	}
}

func (r *CachingResolver) Resolve(ctx context.Context, keyID string) (TrustAnchor, error) {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[keyID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.anchor, nil
	}

	anchor, err := r.upstream.Resolve(ctx, keyID)
	if err != nil {
		return TrustAnchor{}, err
	}

	r.mu.Lock()
	r.cache[keyID] = cachedAnchor{anchor: anchor, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return anchor, nil
}
