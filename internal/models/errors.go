package models

import "fmt"

// ErrorKind is the transport-agnostic error taxonomy of the core. HTTP
// handlers in internal/api map each kind to a status code; nothing in
// this package or below knows about HTTP.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "INVALID_REQUEST"
	KindUnknownInstrument  ErrorKind = "UNKNOWN_INSTRUMENT"
	KindUnknownTrader      ErrorKind = "UNKNOWN_TRADER"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindConflict           ErrorKind = "CONFLICT"
	KindForbidden          ErrorKind = "FORBIDDEN"
	KindInsufficientFunds  ErrorKind = "INSUFFICIENT_FUNDS"
	KindAlreadyTerminal    ErrorKind = "ALREADY_TERMINAL"
	KindNotCancellable     ErrorKind = "NOT_CANCELLABLE"
)

// Error is a typed, transport-agnostic failure raised by the core.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Kind: KindX}) style matching on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// AccountingError signals a structural invariant violation, such as a ledger
// row that the caller assumed existed being missing, a negative freeze or
// unfreeze amount, or a settlement write failing after matching has already
// mutated the in-memory book. It is not part of the
// ErrorKind taxonomy because it is never meant to be handled — per the
// design, detecting one panics the goroutine handling the request rather
// than returning an error up the call stack, to avoid operating further
// on corrupted state.
type AccountingError struct {
	Msg string
}

func (e *AccountingError) Error() string {
	return "accounting error (invariant violation): " + e.Msg
}

// PanicAccounting panics with an *AccountingError. Call sites use this
// instead of returning an error when a ledger row a caller is structurally
// guaranteed to have created (e.g. a position backfilled at instrument or
// trader creation) turns out to be missing.
func PanicAccounting(msg string) {
	panic(&AccountingError{Msg: msg})
}
