package authn

import (
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"time"

	"github.com/keithlinneman/svcgate/internal/xerrors"
)

// TrustAnchor is a public verification key with a validity window.
// Anchors are looked up by the key identifier embedded in a credential.
type TrustAnchor struct {
	KeyID     string
	Key       crypto.PublicKey
	NotBefore time.Time
	NotAfter  time.Time
}

// ValidAt reports whether the anchor's validity window covers t.
// A zero NotBefore/NotAfter leaves that side of the window open.
func (a TrustAnchor) ValidAt(t time.Time) error {
	if !a.NotBefore.IsZero() && t.Before(a.NotBefore) {
		return newError(KindNotYetValid, xerrors.Newf("anchor %s not valid until %s", a.KeyID, a.NotBefore.Format(time.RFC3339)))
	}
	if !a.NotAfter.IsZero() && t.After(a.NotAfter) {
		return newError(KindExpired, xerrors.Newf("anchor %s expired at %s", a.KeyID, a.NotAfter.Format(time.RFC3339)))
	}
	return nil
}

// keysetKey is one entry in the JSON keyset document published by the
// anchor source (S3 release object or remote endpoint).
type keysetKey struct {
	KeyID     string     `json:"kid"`
	Algorithm string     `json:"alg"`
	PublicKey string     `json:"public_key"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

type keysetDocument struct {
	Keys []keysetKey `json:"keys"`
}

// ParseKeyset decodes a JSON keyset document into trust anchors.
// Keys are PEM-encoded PKIX public keys, or raw base64 for ed25519.
func ParseKeyset(data []byte) ([]TrustAnchor, error) {
	var doc keysetDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(err, "parse keyset document")
	}
	if len(doc.Keys) == 0 {
		return nil, xerrors.New("keyset document has no keys")
	}

	anchors := make([]TrustAnchor, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.KeyID == "" {
			return nil, xerrors.New("keyset entry missing kid")
		}
		pub, err := parsePublicKey(k)
		if err != nil {
			return nil, xerrors.Wrapf(err, "keyset entry %s", k.KeyID)
		}
		a := TrustAnchor{KeyID: k.KeyID, Key: pub}
		if k.NotBefore != nil {
			a.NotBefore = *k.NotBefore
		}
		if k.NotAfter != nil {
			a.NotAfter = *k.NotAfter
		}
		anchors = append(anchors, a)
	}
	return anchors, nil
}

func parsePublicKey(k keysetKey) (crypto.PublicKey, error) {
	if block, _ := pem.Decode([]byte(k.PublicKey)); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse PKIX public key")
		}
		return pub, nil
	}

	raw, err := base64.StdEncoding.DecodeString(k.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "decode public key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, xerrors.Newf("raw key length %d, want %d (ed25519)", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
