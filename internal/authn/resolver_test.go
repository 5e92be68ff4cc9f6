package authn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"
)

func testAnchor(t *testing.T, kid string) TrustAnchor {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return TrustAnchor{KeyID: kid, Key: pub}
}

func TestStaticResolver_Lookup(t *testing.T) {
	a := testAnchor(t, "key-a")
	r := NewStaticResolver(a)

	got, err := r.Resolve(context.Background(), "key-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.KeyID != "key-a" {
		t.Fatalf("KeyID = %q, want key-a", got.KeyID)
	}

	if _, err := r.Resolve(context.Background(), "key-missing"); !errors.Is(err, ErrAnchorNotFound) {
		t.Fatalf("err = %v, want ErrAnchorNotFound", err)
	}
}

func TestStaticResolver_ReplaceRotatesAtomically(t *testing.T) {
	old := testAnchor(t, "key-old")
	r := NewStaticResolver(old)

	r.Replace([]TrustAnchor{testAnchor(t, "key-new")})

	if _, err := r.Resolve(context.Background(), "key-old"); !errors.Is(err, ErrAnchorNotFound) {
		t.Fatalf("rotated-out anchor still resolvable: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "key-new"); err != nil {
		t.Fatalf("rotated-in anchor not resolvable: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestStaticResolver_ConcurrentResolveDuringReplace(t *testing.T) {
	r := NewStaticResolver(testAnchor(t, "key-a"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Replace([]TrustAnchor{testAnchor(t, "key-a")})
			}
		}
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				if _, err := r.Resolve(context.Background(), "key-a"); err != nil {
					t.Errorf("Resolve during rotation: %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestCachingResolver_ServesFromCacheWithinTTL(t *testing.T) {
	calls := 0
	upstream := ResolverFunc(func(_ context.Context, kid string) (TrustAnchor, error) {
		calls++
		return testAnchor(t, kid), nil
	})
	r := NewCachingResolver(upstream, time.Minute)

	for range 5 {
		if _, err := r.Resolve(context.Background(), "key-a"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls)
	}
}

func TestCachingResolver_RefetchesAfterTTL(t *testing.T) {
	calls := 0
	upstream := ResolverFunc(func(_ context.Context, kid string) (TrustAnchor, error) {
		calls++
		return testAnchor(t, kid), nil
	})
	r := NewCachingResolver(upstream, time.Minute)

	now := time.Now()
	r.now = func() time.Time { return now }

	r.Resolve(context.Background(), "key-a")
	now = now.Add(2 * time.Minute)
	r.Resolve(context.Background(), "key-a")

	if calls != 2 {
		t.Fatalf("upstream calls = %d, want 2 after TTL lapse", calls)
	}
}

func TestCachingResolver_FailuresNotCached(t *testing.T) {
	calls := 0
	upstream := ResolverFunc(func(_ context.Context, kid string) (TrustAnchor, error) {
		calls++
		if calls == 1 {
			return TrustAnchor{}, ErrAnchorNotFound
		}
		return testAnchor(t, kid), nil
	})
	r := NewCachingResolver(upstream, time.Minute)

	if _, err := r.Resolve(context.Background(), "key-a"); !errors.Is(err, ErrAnchorNotFound) {
		t.Fatalf("first resolve: %v, want ErrAnchorNotFound", err)
	}
	if _, err := r.Resolve(context.Background(), "key-a"); err != nil {
		t.Fatalf("second resolve should hit upstream again: %v", err)
	}
	if calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", calls)
	}
}
