// Package fault defines the stable error taxonomy for the credibility mesh.
// Component boundaries translate low-level errors into these kinds; nothing
// is silently swallowed.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable error category. Kinds are part of the wire and CLI
// contract and must not be renamed.
type Kind string

const (
	KindInputInvalid         Kind = "INPUT_INVALID"
	KindHashMismatch         Kind = "HASH_MISMATCH"
	KindLedgerTamper         Kind = "LEDGER_TAMPER"
	KindChainBreak           Kind = "CHAIN_BREAK"
	KindAuthorityDeny        Kind = "AUTHORITY_DENY"
	KindTimeout              Kind = "TIMEOUT"
	KindQuorumBroken         Kind = "QUORUM_BROKEN"
	KindPolicyViolation      Kind = "POLICY_VIOLATION"
	KindFilesystem           Kind = "FILESYSTEM"
	KindCorrupt              Kind = "CORRUPT"
	KindTransportUnreachable Kind = "TRANSPORT_UNREACHABLE"
	KindABPContradiction     Kind = "ABP_CONTRADICTION"
)

// Error carries a kind, the offending field path (for INPUT_INVALID), and a
// human-readable detail. It wraps the underlying cause when there is one.
type Error struct {
	Kind   Kind   `json:"error"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a fault with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Field creates an INPUT_INVALID fault pointing at a field path.
func Field(path, detail string) *Error {
	return &Error{Kind: KindInputInvalid, Field: path, Detail: detail}
}

// Wrap translates a low-level error into a fault kind, preserving the cause.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind of err, or "" if err is not a fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether the kind freezes the affected artifact or log.
func Fatal(kind Kind) bool {
	switch kind {
	case KindHashMismatch, KindLedgerTamper, KindChainBreak, KindCorrupt:
		return true
	default:
		return false
	}
}
