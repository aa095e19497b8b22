/**
 * @description
 * This file defines the failure taxonomy of the mint request lifecycle. Every stage of the
 * pipeline reports failures as a *MintError so the HTTP layer can turn them into a structured
 * response without inspecting internal state.
 *
 * @notes
 * - Kinds before MintSubmissionError guarantee that no value moved on the ledger.
 * - ReconciliationError is the only kind with MintOccurred set; it must never be reported to a
 *   caller as a failed mint.
 */

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind names a failure class of the mint pipeline.
type ErrorKind string

const (
	KindInvalidRequest       ErrorKind = "InvalidRequest"
	KindRateLimited          ErrorKind = "RateLimited"
	KindDeviceNotFound       ErrorKind = "DeviceNotFound"
	KindDeviceNotInitialized ErrorKind = "DeviceNotInitialized"
	KindDeviceNotBound       ErrorKind = "DeviceNotBound"
	KindNonceNotFound        ErrorKind = "NonceNotFound"
	KindInvalidNonce         ErrorKind = "InvalidNonce"
	KindInvalidSignature     ErrorKind = "InvalidSignature"
	KindAmountConversion     ErrorKind = "AmountConversionError"
	KindMintSubmission       ErrorKind = "MintSubmissionError"
	KindMintExecution        ErrorKind = "MintExecutionError"
	KindReconciliation       ErrorKind = "ReconciliationError"
	KindInternal             ErrorKind = "InternalError"
)

// MintError is the error type returned by every stage of the mint pipeline.
type MintError struct {
	Kind ErrorKind
	// Message is safe to return to the caller.
	Message string
	// Field names the offending request field for InvalidRequest failures.
	Field string
	// TxHash is set once a mint transaction has been broadcast.
	TxHash string
	// Ambiguous marks a broadcast whose confirmation was lost.
	Ambiguous bool
	// MintOccurred reports that value moved on the ledger.
	MintOccurred bool
	Err          error
}

// Sentinels for errors.Is matching. Matching is by Kind only.
var (
	ErrInvalidRequest       = &MintError{Kind: KindInvalidRequest}
	ErrRateLimited          = &MintError{Kind: KindRateLimited}
	ErrDeviceNotFound       = &MintError{Kind: KindDeviceNotFound}
	ErrDeviceNotInitialized = &MintError{Kind: KindDeviceNotInitialized}
	ErrDeviceNotBound       = &MintError{Kind: KindDeviceNotBound}
	ErrNonceNotFound        = &MintError{Kind: KindNonceNotFound}
	ErrInvalidNonce         = &MintError{Kind: KindInvalidNonce}
	ErrInvalidSignature     = &MintError{Kind: KindInvalidSignature}
	ErrAmountConversion     = &MintError{Kind: KindAmountConversion}
	ErrMintSubmission       = &MintError{Kind: KindMintSubmission}
	ErrMintExecution        = &MintError{Kind: KindMintExecution}
	ErrReconciliation       = &MintError{Kind: KindReconciliation}
	ErrInternal             = &MintError{Kind: KindInternal}
)

func (e *MintError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *MintError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *MintError of the same kind.
func (e *MintError) Is(target error) bool {
	t, ok := target.(*MintError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// ClientMessage returns the message to expose to the caller.
func (e *MintError) ClientMessage() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// NewMintError builds a MintError of the given kind.
func NewMintError(kind ErrorKind, message string, err error) *MintError {
	return &MintError{Kind: kind, Message: message, Err: err}
}

// InvalidField builds an InvalidRequest error naming the offending field.
func InvalidField(field, message string) *MintError {
	return &MintError{Kind: KindInvalidRequest, Field: field, Message: message}
}

// KindOf extracts the ErrorKind of err, or KindInternal when err is not a *MintError.
func KindOf(err error) ErrorKind {
	var mintErr *MintError
	if errors.As(err, &mintErr) {
		return mintErr.Kind
	}
	return KindInternal
}

// IsPreMint reports whether kind guarantees that no ledger transfer took place.
func IsPreMint(kind ErrorKind) bool {
	switch kind {
	case KindMintSubmission, KindMintExecution, KindReconciliation:
		return false
	default:
		return true
	}
}
