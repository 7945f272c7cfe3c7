package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a core error per the propagation rules: connection
// errors close the connection and are logged once; Policy errors are
// returned to the accept/connect caller; Fatal errors terminate the node
// loop.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindProtocol
	KindCrypto
	KindPolicy
	KindState
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindPolicy:
		return "policy"
	case KindState:
		return "state"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CoreError is the wrapped-cause error type used throughout the node,
// following the teacher's habit of wrapping underlying failures with
// github.com/pkg/errors rather than inventing a parallel error package.
type CoreError struct {
	Kind  ErrorKind
	cause error
}

func (e *CoreError) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *CoreError) Unwrap() error { return e.cause }

func newError(kind ErrorKind, cause error) *CoreError {
	return &CoreError{Kind: kind, cause: errors.WithStack(cause)}
}

func NewTransportError(cause error) *CoreError { return newError(KindTransport, cause) }
func NewProtocolError(cause error) *CoreError  { return newError(KindProtocol, cause) }
func NewCryptoError(cause error) *CoreError    { return newError(KindCrypto, cause) }
func NewPolicyError(cause error) *CoreError    { return newError(KindPolicy, cause) }
func NewStateError(cause error) *CoreError     { return newError(KindState, cause) }
func NewFatalError(cause error) *CoreError     { return newError(KindFatal, cause) }

// IsKind reports whether err (or a wrapped cause of it) is a CoreError of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Sentinel Policy-kind errors returned by accept/connect, per spec §7.
var (
	ErrBanned          = NewPolicyError(errors.New("peer is banned"))
	ErrUnreachable     = NewPolicyError(errors.New("address is marked unreachable"))
	ErrDuplicatePeer   = NewPolicyError(errors.New("peer already connected"))
	ErrCapacityReached = NewPolicyError(errors.New("peer capacity reached"))
	ErrSelfConnect     = NewPolicyError(errors.New("refusing to connect to self"))

	ErrMessageTooBig      = NewProtocolError(errors.New("frame length exceeds protocol ceiling"))
	ErrUnknownElementType = NewProtocolError(errors.New("unknown retransmit element type"))
)
