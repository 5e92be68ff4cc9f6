package authn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/keithlinneman/svcgate/internal/xerrors"
)

const (
	defaultRemoteTTL = 5 * time.Minute

	// defaultRefreshCooldown is the minimum gap between upstream keyset
	// fetches. An unknown kid within the cooldown is answered from the
	// current table, so a burst of bogus kids cannot turn into a fetch
	// per request.
	defaultRefreshCooldown = 30 * time.Second
)

// remoteTable is an immutable keyset snapshot; Resolve reads it through
// an atomic pointer so lookups never contend with a refresh in flight.
type remoteTable struct {
	anchors   map[string]TrustAnchor
	fetchedAt time.Time
}

// RemoteResolver fetches a JSON keyset document over HTTP and serves
// anchors from it. The keyset is refreshed when the TTL lapses, and once
// eagerly on an unknown key identifier so a rotation that published a new
// key is picked up without waiting out the TTL. Miss-triggered refreshes
// are rate limited by a cooldown.
type RemoteResolver struct {
	client   *resty.Client
	url      string
	ttl      time.Duration
	cooldown time.Duration
	now      func() time.Time

	table atomic.Pointer[remoteTable]

	mu sync.Mutex // serializes refreshes; lookups never take it
}

// NewRemoteResolver builds a resolver for the keyset document at url.
// A nil client gets a default with retries and a short timeout.
func NewRemoteResolver(client *resty.Client, url string, ttl time.Duration) *RemoteResolver {
	if client == nil {
		client = resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond)
	}
	if ttl <= 0 {
		ttl = defaultRemoteTTL
	}
	cooldown := defaultRefreshCooldown
	if cooldown > ttl {
		cooldown = ttl
	}
	return &RemoteResolver{
		client:   client,
		url:      url,
		ttl:      ttl,
		cooldown: cooldown,
		now:      time.Now,
	}
}

func (r *RemoteResolver) Resolve(ctx context.Context, keyID string) (TrustAnchor, error) {
	if t := r.table.Load(); t != nil && r.now().Sub(t.fetchedAt) < r.ttl {
		if a, ok := t.anchors[keyID]; ok {
			return a, nil
		}
	}

	// Stale table or unknown kid: refresh. On fetch failure keep serving
	// the stale table if it can answer, otherwise surface the error.
	if err := r.refresh(ctx); err != nil {
		if t := r.table.Load(); t != nil {
			if a, ok := t.anchors[keyID]; ok {
				return a, nil
			}
		}
		return TrustAnchor{}, err
	}

	if t := r.table.Load(); t != nil {
		if a, ok := t.anchors[keyID]; ok {
			return a, nil
		}
	}
	return TrustAnchor{}, ErrAnchorNotFound
}

// refresh fetches the keyset unless a fetch already landed within the
// cooldown, in which case the current table is as good as upstream and
// the caller's miss is final.
func (r *RemoteResolver) refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := r.table.Load(); t != nil && r.now().Sub(t.fetchedAt) < r.cooldown {
		return nil
	}

	resp, err := r.client.R().SetContext(ctx).Get(r.url)
	if err != nil {
		return xerrors.Wrap(err, "fetch keyset")
	}
	if resp.IsError() {
		return xerrors.Newf("fetch keyset: status %d", resp.StatusCode())
	}

	anchors, err := ParseKeyset(resp.Body())
	if err != nil {
		return err
	}

	table := make(map[string]TrustAnchor, len(anchors))
	for _, a := range anchors {
		table[a.KeyID] = a
	}
	r.table.Store(&remoteTable{anchors: table, fetchedAt: r.now()})
	return nil
}
