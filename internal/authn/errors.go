package authn

import (
	"errors"
	"fmt"
)

// Kind distinguishes credential rejection causes. Every kind is terminal
// for the request and maps to a 401 without exposing resolver internals.
type Kind string

const (
	KindMissingCredential Kind = "missing_credential"
	KindUnknownAnchor     Kind = "unknown_anchor"
	KindBadSignature      Kind = "bad_signature"
	KindExpired           Kind = "expired"
	KindNotYetValid       Kind = "not_yet_valid"
	KindResolverTimeout   Kind = "resolver_timeout"
)

// Error is a credential rejection carrying its kind. The wrapped cause is
// for logs only and never reaches the client.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("authn: %s: %v", e.Kind, e.cause)
	}
	return "authn: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// KindOf extracts the rejection kind from an error chain. Unrecognized
// errors report BadSignature so ambiguous input never reads as benign.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindBadSignature
}
