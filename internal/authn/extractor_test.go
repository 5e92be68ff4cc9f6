package authn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type signer struct {
	kid  string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &signer{kid: kid, pub: pub, priv: priv}
}

func (s *signer) anchor() TrustAnchor {
	return TrustAnchor{KeyID: s.kid, Key: s.pub}
}

func (s *signer) token(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.kid
	raw, err := tok.SignedString(s.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func validClaims(now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "acct-1234",
		Audience:  jwt.ClaimStrings{"gateway"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest("GET", "/v1/widgets", http.NoBody)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestExtract_ValidCredential(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{
		Resolver: NewStaticResolver(s.anchor()),
		Audience: "gateway",
	})

	id, err := e.Extract(context.Background(), bearerRequest(s.token(t, validClaims(now))))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if id.Account != "acct-1234" {
		t.Errorf("Account = %q, want acct-1234", id.Account)
	}
	if id.Audience != "gateway" {
		t.Errorf("Audience = %q, want gateway", id.Audience)
	}
	if id.KeyID != "key-a" {
		t.Errorf("KeyID = %q, want key-a", id.KeyID)
	}
}

func TestExtract_MissingCredential(t *testing.T) {
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	_, err := e.Extract(context.Background(), bearerRequest(""))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if got := KindOf(err); got != KindMissingCredential {
		t.Fatalf("kind = %v, want missing_credential", got)
	}
}

func TestExtract_NonBearerScheme(t *testing.T) {
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	r := bearerRequest("")
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err := e.Extract(context.Background(), r)
	if got := KindOf(err); got != KindMissingCredential {
		t.Fatalf("kind = %v, want missing_credential", got)
	}
}

func TestExtract_UnknownKeyID(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	other := newSigner(t, "key-other")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	_, err := e.Extract(context.Background(), bearerRequest(other.token(t, validClaims(now))))
	if got := KindOf(err); got != KindUnknownAnchor {
		t.Fatalf("kind = %v, want unknown_anchor", got)
	}
}

func TestExtract_WrongKeySameKid(t *testing.T) {
	// anchor table has key-a, but the token is signed by a different
	// private key claiming the same kid
	now := time.Now()
	legit := newSigner(t, "key-a")
	forger := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(legit.anchor())})

	_, err := e.Extract(context.Background(), bearerRequest(forger.token(t, validClaims(now))))
	if got := KindOf(err); got != KindBadSignature {
		t.Fatalf("kind = %v, want bad_signature", got)
	}
}

func TestExtract_ExpiredCredential(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	claims := validClaims(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
	_, err := e.Extract(context.Background(), bearerRequest(s.token(t, claims)))
	if got := KindOf(err); got != KindExpired {
		t.Fatalf("kind = %v, want expired", got)
	}
}

func TestExtract_NotYetValidCredential(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	claims := validClaims(now)
	claims.NotBefore = jwt.NewNumericDate(now.Add(time.Hour))
	_, err := e.Extract(context.Background(), bearerRequest(s.token(t, claims)))
	if got := KindOf(err); got != KindNotYetValid {
		t.Fatalf("kind = %v, want not_yet_valid", got)
	}
}

func TestExtract_AnchorExpiredYesterday(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	anchor := s.anchor()
	anchor.NotAfter = now.Add(-24 * time.Hour)
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(anchor)})

	_, err := e.Extract(context.Background(), bearerRequest(s.token(t, validClaims(now))))
	if got := KindOf(err); got != KindExpired {
		t.Fatalf("kind = %v, want expired for lapsed anchor", got)
	}
}

func TestExtract_AnchorNotYetValid(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	anchor := s.anchor()
	anchor.NotBefore = now.Add(24 * time.Hour)
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(anchor)})

	_, err := e.Extract(context.Background(), bearerRequest(s.token(t, validClaims(now))))
	if got := KindOf(err); got != KindNotYetValid {
		t.Fatalf("kind = %v, want not_yet_valid for future anchor", got)
	}
}

func TestExtract_AudienceMismatchRejected(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{
		Resolver: NewStaticResolver(s.anchor()),
		Audience: "gateway",
	})

	claims := validClaims(now)
	claims.Audience = jwt.ClaimStrings{"somewhere-else"}
	_, err := e.Extract(context.Background(), bearerRequest(s.token(t, claims)))
	if err == nil {
		t.Fatal("expected rejection on audience mismatch")
	}
	if got := KindOf(err); got != KindBadSignature {
		t.Fatalf("kind = %v, want bad_signature", got)
	}
}

func TestExtract_MalformedTokenFailsClosed(t *testing.T) {
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	for _, raw := range []string{"not-a-token", "a.b", "a.b.c.d", "...."} {
		_, err := e.Extract(context.Background(), bearerRequest(raw))
		if err == nil {
			t.Fatalf("token %q: expected rejection", raw)
		}
		if got := KindOf(err); got != KindBadSignature {
			t.Fatalf("token %q: kind = %v, want bad_signature", raw, got)
		}
	}
}

func TestExtract_MissingKidHeader(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, validClaims(now))
	raw, err := tok.SignedString(s.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, xerr := e.Extract(context.Background(), bearerRequest(raw))
	if got := KindOf(xerr); got != KindBadSignature {
		t.Fatalf("kind = %v, want bad_signature", got)
	}
}

func TestExtract_MissingSubject(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{Resolver: NewStaticResolver(s.anchor())})

	claims := validClaims(now)
	claims.Subject = ""
	_, err := e.Extract(context.Background(), bearerRequest(s.token(t, claims)))
	if got := KindOf(err); got != KindBadSignature {
		t.Fatalf("kind = %v, want bad_signature", got)
	}
}

func TestExtract_ResolverTimeout(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	slow := ResolverFunc(func(ctx context.Context, _ string) (TrustAnchor, error) {
		<-ctx.Done()
		return TrustAnchor{}, ctx.Err()
	})
	e := NewExtractor(ExtractorOptions{
		Resolver:       slow,
		ResolveTimeout: 10 * time.Millisecond,
	})

	_, err := e.Extract(context.Background(), bearerRequest(s.token(t, validClaims(now))))
	if got := KindOf(err); got != KindResolverTimeout {
		t.Fatalf("kind = %v, want resolver_timeout", got)
	}
}

func TestExtract_LeewayToleratesSkew(t *testing.T) {
	now := time.Now()
	s := newSigner(t, "key-a")
	e := NewExtractor(ExtractorOptions{
		Resolver: NewStaticResolver(s.anchor()),
		Leeway:   time.Minute,
	})

	claims := validClaims(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-10 * time.Second))
	if _, err := e.Extract(context.Background(), bearerRequest(s.token(t, claims))); err != nil {
		t.Fatalf("credential within leeway rejected: %v", err)
	}
}
