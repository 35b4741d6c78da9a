package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Kind is the category surfaced to callers of the control API.
type Kind string

const (
	KindNotFound        Kind = "NotFoundError"        // hash unknown to the store
	KindTimeout         Kind = "TimeoutError"         // job or handshake deadline elapsed
	KindHashMismatch    Kind = "HashMismatchError"    // block or assembled file failed verification
	KindProtocol        Kind = "ProtocolError"        // malformed packet, unknown opcode, oversized reply
	KindPeerUnavailable Kind = "PeerUnavailableError" // no peer left to serve a needed block
	KindIO              Kind = "IOError"              // local read/write failure
	KindInvalidRequest  Kind = "InvalidRequestError"  // malformed control command
	KindUnknown         Kind = "UnknownError"
)

// TransferError represents an error that occurred while storing, serving or fetching a blob.
type TransferError struct {
	Err       error     // Original error
	Kind      Kind      // Category reported to the caller
	Retryable bool      // Whether the block should be requeued
	Timestamp time.Time // When the error occurred
	Resource  string    // Hash, path or peer address involved
	Details   map[string]any
}

// Error renders "<Kind>: <message>".
func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrKeyNotFound      = New("Key not found in database")
	ErrTimeout          = New("operation timed out")
	ErrHashMismatch     = New("hash mismatch")
	ErrPeerUnavailable  = New("no peer can serve the remaining blocks")
	ErrSessionClosed    = New("session closed")
	ErrBlockUnavailable = New("peer does not have the block")
)

func newError(kind Kind, err error, resource string, retryable bool) *TransferError {
	return &TransferError{
		Err:       err,
		Kind:      kind,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewNotFoundError reports that hash is not in the store.
func NewNotFoundError(hash string) *TransferError {
	return newError(KindNotFound, fmt.Errorf("%w [%s]", ErrKeyNotFound, hash), hash, false)
}

// NewTimeoutError wraps err, or ErrTimeout when err is nil.
func NewTimeoutError(err error, resource string) *TransferError {
	if err == nil {
		err = ErrTimeout
	} else if !Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return newError(KindTimeout, err, resource, false)
}

// NewHashMismatchError reports content that hashed to got instead of want.
func NewHashMismatchError(want, got string) *TransferError {
	return newError(KindHashMismatch, fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, want, got), want, true)
}

// NewProtocolError marks a session-fatal decoding or handshake failure.
func NewProtocolError(err error, peer string) *TransferError {
	return newError(KindProtocol, err, peer, true)
}

// NewPeerUnavailableError reports that no peer is left to serve resource.
func NewPeerUnavailableError(err error, resource string) *TransferError {
	if err == nil {
		err = ErrPeerUnavailable
	} else if !Is(err, ErrPeerUnavailable) {
		err = fmt.Errorf("%w: %w", ErrPeerUnavailable, err)
	}

	return newError(KindPeerUnavailable, err, resource, true)
}

// NewIOError creates an I/O related error
func NewIOError(err error, resource string) *TransferError {
	return newError(KindIO, err, resource, false)
}

// NewInvalidRequestError rejects a malformed control command.
func NewInvalidRequestError(format string, args ...any) *TransferError {
	return newError(KindInvalidRequest, fmt.Errorf(format, args...), "", false)
}

// KindOf returns the kind of the outermost TransferError in err's chain.
// Bare context deadline errors count as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var te *TransferError
	if As(err, &te) {
		return te.Kind
	}

	if Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransferError
	if As(err, &te) {
		return te.Retryable
	}

	return false
}

// WithDetails adds additional context to a TransferError
func WithDetails(err error, details map[string]any) error {
	var te *TransferError
	if !As(err, &te) {
		return err
	}

	if te.Details == nil {
		te.Details = make(map[string]any)
	}

	for k, v := range details {
		te.Details[k] = v
	}

	return te
}
