// Package authn extracts and verifies bearer credentials, producing an
// Identity on the request context. Verification is stateless per request;
// trust anchor rotation and caching live behind the Resolver interface.
//
// Every failure routes to a rejection with a distinguishing [Kind]. Input
// the extractor cannot classify is rejected as a bad signature rather than
// let through.
package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/svcgate/internal/xerrors"
)

// Identity is the validated principal attached to a request context after
// successful verification. Immutable once produced.
type Identity struct {
	Account  string
	Audience string
	KeyID    string
}

// ExtractorOptions configures credential verification.
type ExtractorOptions struct {
	// Resolver looks up trust anchors by kid. Required.
	Resolver Resolver

	// Audience, when set, must appear in the credential's aud claim.
	Audience string

	// Leeway tolerates small clock skew on time-based claims.
	Leeway time.Duration

	// ResolveTimeout bounds each anchor lookup. Zero means the request
	// context alone bounds it.
	ResolveTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Extractor verifies bearer credentials against resolver-supplied anchors.
type Extractor struct {
	resolver       Resolver
	resolveTimeout time.Duration
	audience       string
	now            func() time.Time
	parser         *jwt.Parser
}

func NewExtractor(opts ExtractorOptions) *Extractor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"EdDSA", "ES256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
		jwt.WithTimeFunc(now),
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &Extractor{
		resolver:       opts.Resolver,
		resolveTimeout: opts.ResolveTimeout,
		audience:       opts.Audience,
		now:            now,
		parser:         jwt.NewParser(parserOpts...),
	}
}

// Extract pulls the bearer credential from the request and verifies it.
// The returned error always carries a [Kind]; see KindOf.
func (e *Extractor) Extract(ctx context.Context, r *http.Request) (Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return Identity{}, err
	}

	var keyID string
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, newError(KindBadSignature, xerrors.New("credential missing kid header"))
		}

		rctx := ctx
		if e.resolveTimeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, e.resolveTimeout)
			defer cancel()
		}

		anchor, err := e.resolver.Resolve(rctx, kid)
		if err != nil {
			return nil, mapResolverError(kid, err)
		}
		if err := anchor.ValidAt(e.now()); err != nil {
			return nil, err
		}
		keyID = kid
		return anchor.Key, nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := e.parser.ParseWithClaims(raw, claims, keyfunc); err != nil {
		return Identity{}, mapTokenError(err)
	}
	if claims.Subject == "" {
		return Identity{}, newError(KindBadSignature, xerrors.New("credential missing subject"))
	}

	aud := e.audience
	if aud == "" && len(claims.Audience) > 0 {
		aud = claims.Audience[0]
	}
	return Identity{Account: claims.Subject, Audience: aud, KeyID: keyID}, nil
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", newError(KindMissingCredential, nil)
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", newError(KindMissingCredential, xerrors.New("authorization header is not a bearer credential"))
	}
	return strings.TrimSpace(token), nil
}

func mapResolverError(kid string, err error) error {
	switch {
	case errors.Is(err, ErrAnchorNotFound):
		return newError(KindUnknownAnchor, xerrors.Newf("no anchor for kid %s", kid))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(KindResolverTimeout, err)
	default:
		// resolver internals stay out of the client-visible kind
		return newError(KindUnknownAnchor, err)
	}
}

func mapTokenError(err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(KindExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return newError(KindNotYetValid, err)
	default:
		// malformed input, wrong alg, bad signature, audience mismatch:
		// all collapse to a signature rejection, never Verified
		return newError(KindBadSignature, err)
	}
}
