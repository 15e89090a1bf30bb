// Package claimerr defines the error taxonomy surfaced by claim operations.
package claimerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and for the HTTP layer.
type Kind string

const (
	KindInvalidAddress            Kind = "InvalidAddress"
	KindInvalidAmount             Kind = "InvalidAmount"
	KindInvalidNetwork            Kind = "InvalidNetwork"
	KindBuild                     Kind = "BuildError"
	KindNetwork                   Kind = "NetworkError"
	KindAlreadyClaimed            Kind = "AlreadyClaimed"
	KindAlreadyRefunded           Kind = "AlreadyRefunded"
	KindInsufficientEscrowBalance Kind = "InsufficientEscrowBalance"
	KindRateLimited               Kind = "RateLimited"
	KindConfirmationTimeout       Kind = "ConfirmationTimeout"
	KindClaimNotFound             Kind = "ClaimNotFound"
	KindNotDeployed               Kind = "NotDeployed"
	KindRefundLocked              Kind = "RefundLocked"
	KindRejected                  Kind = "Rejected"
	KindInvalidReceipt            Kind = "InvalidReceipt"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidAddress            = &Error{Kind: KindInvalidAddress}
	ErrInvalidAmount             = &Error{Kind: KindInvalidAmount}
	ErrInvalidNetwork            = &Error{Kind: KindInvalidNetwork}
	ErrBuild                     = &Error{Kind: KindBuild}
	ErrNetwork                   = &Error{Kind: KindNetwork}
	ErrAlreadyClaimed            = &Error{Kind: KindAlreadyClaimed}
	ErrAlreadyRefunded           = &Error{Kind: KindAlreadyRefunded}
	ErrInsufficientEscrowBalance = &Error{Kind: KindInsufficientEscrowBalance}
	ErrRateLimited               = &Error{Kind: KindRateLimited}
	ErrConfirmationTimeout       = &Error{Kind: KindConfirmationTimeout}
	ErrClaimNotFound             = &Error{Kind: KindClaimNotFound}
	ErrNotDeployed               = &Error{Kind: KindNotDeployed}
	ErrRefundLocked              = &Error{Kind: KindRefundLocked}
	ErrRejected                  = &Error{Kind: KindRejected}
	ErrInvalidReceipt            = &Error{Kind: KindInvalidReceipt}
)

// Error is a classified failure with a human readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. The wrapped error stays reachable through errors.Unwrap
// but its text is only appended to the reason, never returned alone.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels (no reason, no cause) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the operation that produced err is safe to retry.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// Ambiguous reports whether the outcome is unknown and the caller must
// re-check on-chain state before retrying.
func Ambiguous(err error) bool {
	return KindOf(err) == KindConfirmationTimeout
}
