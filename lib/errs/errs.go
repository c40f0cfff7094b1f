// Package errs defines the error kinds returned by the wallet operations. Callers branch on the kind with KindOf or Is;
// the HTTP layer maps kinds to status codes.
package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error.
type Kind int

// Error kinds.
const (
	Internal Kind = iota
	NotFound
	InvalidInput
	InsufficientRgbFunds
	InsufficientBitcoinFunds
	NetworkMismatch
	LeaseTimeout
	PoisonedRuntime
	BroadcastRejected
	PartialCommit
	ConsignmentInvalid
	Upstream
)

var kindNames = [...]string{
	Internal:                 "Internal",
	NotFound:                 "NotFound",
	InvalidInput:             "InvalidInput",
	InsufficientRgbFunds:     "InsufficientRgbFunds",
	InsufficientBitcoinFunds: "InsufficientBitcoinFunds",
	NetworkMismatch:          "NetworkMismatch",
	LeaseTimeout:             "LeaseTimeout",
	PoisonedRuntime:          "PoisonedRuntime",
	BroadcastRejected:        "BroadcastRejected",
	PartialCommit:            "PartialCommit",
	ConsignmentInvalid:       "ConsignmentInvalid",
	Upstream:                 "Upstream",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type carried across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	// Txid is only set for PartialCommit errors: the transaction is on chain even though local state was not saved.
	Txid string
	// CorrelationID is set for Internal and PoisonedRuntime errors so that log lines can be matched to replies.
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}

	if e.Txid != "" {
		s += " (txid=" + e.Txid + ")"
	}

	if e.Err != nil {
		s += ": " + e.Err.Error()
	}

	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	e.correlate()

	return e
}

// Wrap returns err wrapped into an error of the given kind.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
	e.correlate()

	return e
}

// Partial returns the PartialCommit error for a broadcast transaction whose local state could not be saved.
func Partial(txid string, err error) *Error {
	return &Error{Kind: PartialCommit, Msg: "transaction broadcast but local state not saved", Txid: txid, Err: err}
}

func (e *Error) correlate() {
	if e.Kind == Internal || e.Kind == PoisonedRuntime {
		e.CorrelationID = uuid.NewString()
	}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// TxidOf returns the txid carried by a PartialCommit error.
func TxidOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Txid
	}

	return ""
}
