package core

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy used throughout the fission/bonding
// pipeline. It is a classification, not a type hierarchy: callers branch on
// Kind, never on the concrete Go type of the error.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccessDenied
	KindInvalidInput
	KindInsufficientAtoms
	KindValidatorRejected
	KindLedgerIOError
	KindLedgerUnavailable
	KindLedgerInvariantError
	KindBondQuarantine
	KindDeadline
	KindTokenInvalid
	KindNoNodesAvailable
	KindTemporarilyUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAccessDenied:
		return "AccessDenied"
	case KindInvalidInput:
		return "InvalidInput"
	case KindInsufficientAtoms:
		return "InsufficientAtoms"
	case KindValidatorRejected:
		return "ValidatorRejected"
	case KindLedgerIOError:
		return "LedgerIOError"
	case KindLedgerUnavailable:
		return "LedgerUnavailable"
	case KindLedgerInvariantError:
		return "LedgerInvariantError"
	case KindBondQuarantine:
		return "BondQuarantine"
	case KindDeadline:
		return "Deadline"
	case KindTokenInvalid:
		return "TokenInvalid"
	case KindNoNodesAvailable:
		return "NoNodesAvailable"
	case KindTemporarilyUnavailable:
		return "TemporarilyUnavailable"
	default:
		return "Unknown"
	}
}

// TokenInvalidReason sub-codes KindTokenInvalid, itself a sub-code of
// KindAccessDenied per spec.md §7.
type TokenInvalidReason string

const (
	ReasonExpired   TokenInvalidReason = "expired"
	ReasonWrongHost TokenInvalidReason = "wrongHost"
	ReasonReplay    TokenInvalidReason = "replay"
	ReasonRevoked   TokenInvalidReason = "revoked"
)

// Error is the concrete error type returned across the core package. Reason
// carries a human-readable detail; Sub carries a TokenInvalidReason when
// Kind == KindTokenInvalid, empty otherwise.
type Error struct {
	Kind   Kind
	Reason string
	Sub    TokenInvalidReason
	Err    error
}

func (e *Error) Error() string {
	if e.Sub != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s{%s}: %s: %v", e.Kind, e.Sub, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s{%s}: %s", e.Kind, e.Sub, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr constructs an *Error of kind k wrapping err; callers test the kind
// with IsKind below.
func newErr(k Kind, reason string, err error) *Error {
	return &Error{Kind: k, Reason: reason, Err: err}
}

func newTokenInvalid(sub TokenInvalidReason, reason string) *Error {
	return &Error{Kind: KindTokenInvalid, Sub: sub, Reason: reason}
}

// IsKind reports whether err (or any error it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

var (
	errZeroFrequency = errors.New("frequency must be > 0")
)
