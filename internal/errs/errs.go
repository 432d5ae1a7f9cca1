// Package errs defines the error kinds shared by the zone components.
//
// Cryptographic and input failures are returned synchronously to the
// caller. Transport and authentication failures additionally surface as
// link state events (see package transport).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInput is a missing or invalid subject or message field. Never retried.
	KindInput
	// KindSigning is a failed certificate signing operation.
	KindSigning
	// KindRevocation is a failed CRL update.
	KindRevocation
	// KindAuthentication is a TLS peer that failed certificate verification.
	KindAuthentication
	// KindTransport is a socket-level failure.
	KindTransport
	// KindPersistence is a failed read or write of identity artifacts.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindSigning:
		return "signing"
	case KindRevocation:
		return "revocation"
	case KindAuthentication:
		return "authentication"
	case KindTransport:
		return "transport"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	// ErrCertNotYetValid reports a peer certificate whose validity window has
	// not started. Usually the hub and device clocks disagree.
	ErrCertNotYetValid = errors.New("certificate not yet valid, check the clock on both hub and device")
	// ErrNotAuthority reports a revocation attempt on a node without a CRL.
	ErrNotAuthority = errors.New("node is not a certificate authority")
	// ErrAlreadyEnrolled reports an enrollment for a different hub.
	ErrAlreadyEnrolled = errors.New("device already enrolled with another hub")
)

// Error is a classified failure raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
