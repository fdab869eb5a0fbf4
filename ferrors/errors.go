// Package ferrors defines the error kinds surfaced by the client. Every
// remote-call failure is converted into one of these kinds before it crosses
// a package boundary; raw transport errors never reach the facade.
package ferrors

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind uint8

const (
	// Argument is bad caller input. Never retried.
	Argument Kind = iota + 1
	// Crypto is a PEM/DER parse failure, unknown algorithm or key/cert mismatch.
	Crypto
	// Consistency means endorsement responses diverged.
	Consistency
	// Proposal is a peer-side failure (bad status, endorsement refusal).
	Proposal
	// Transaction is an orderer rejection or envelope build failure.
	Transaction
	// TransactionTimeout means the commit listener expired.
	TransactionTimeout
	// EventHub is a stream drop, registration timeout or malformed block on
	// an event stream. The event hub retries drops and timeouts itself with
	// no limit on attempts and logs them instead of returning them.
	EventHub
	// ShuttingDown means the channel closed while the operation was in flight.
	ShuttingDown
)

func (k Kind) String() string {
	switch k {
	case Argument:
		return "argument"
	case Crypto:
		return "crypto"
	case Consistency:
		return "consistency"
	case Proposal:
		return "proposal"
	case Transaction:
		return "transaction"
	case TransactionTimeout:
		return "transaction timeout"
	case EventHub:
		return "event hub"
	case ShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// Error carries the kind, the remote endpoint it came from, the transaction
// it belongs to (if any), a retry hint and the cause chain.
type Error struct {
	Kind      Kind
	Endpoint  string
	TxID      string
	Retryable bool
	msg       string
	cause     error
}

func (e *Error) Error() string {
	s := e.msg
	if e.Endpoint != "" {
		s = fmt.Sprintf("%s [endpoint=%s]", s, e.Endpoint)
	}
	if e.TxID != "" {
		s = fmt.Sprintf("%s [txid=%s]", s, e.TxID)
	}
	if e.cause != nil {
		s = fmt.Sprintf("%s: %s", s, e.cause)
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two Errors on kind, so errors.Is(err, ferrors.New(Crypto, ""))
// and the Kind helpers below both work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap converts err into an Error of the given kind, attaching a stack trace
// to the cause if it does not carry one yet.
func Wrap(kind Kind, err error, msg string) *Error {
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); !ok {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, msg: msg, cause: err}
}

func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return Wrap(kind, err, fmt.Sprintf(format, args...))
}

// WithEndpoint tags the error with the remote it came from.
func (e *Error) WithEndpoint(ep string) *Error {
	e.Endpoint = ep
	return e
}

// WithTxID tags the error with the transaction it belongs to.
func (e *Error) WithTxID(txID string) *Error {
	e.TxID = txID
	return e
}

// WithRetry marks the failure as worth retrying.
func (e *Error) WithRetry() *Error {
	e.Retryable = true
	return e
}

// HasKind reports whether err (anywhere in its chain) is an Error of kind k.
func HasKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Retryable reports the retry hint of the outermost Error in the chain.
func Retryable(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Retryable
		}
		err = errors.Unwrap(err)
	}
	return false
}
