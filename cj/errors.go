// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cj

import "errors"

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = cj.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided Error with details in a Error, facilitating the
// use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}

// Configuration errors. The mixing subsystem refuses to act and no state is
// mutated.
const (
	ErrDisabledByConfig = ErrorKind("Mixing is disabled via -enablecoinjoin=0 command line option, remove it to enable mixing again")
	ErrDisabledInternal = ErrorKind("Mixing is disabled due to an internal error")
)

// Role errors.
const (
	ErrMasternodeRole = ErrorKind("Client-side mixing is not supported on masternodes")
	ErrClientRole     = ErrorKind("Pool coordination is only available on masternodes")
)

// Precondition errors. The caller may retry after correcting the condition.
const (
	ErrWalletLocked   = ErrorKind("Error: Please unlock wallet for mixing with walletpassphrase first.")
	ErrAlreadyRunning = ErrorKind("Mixing has been started already.")
	ErrNotRunning     = ErrorKind("No mix session to stop")
	ErrUnknownWallet  = ErrorKind("Requested wallet does not exist or is not loaded")
)

// Protocol failures. These never leave a session; they are recorded as the
// reason a session Failed.
const (
	ErrTimeout          = ErrorKind("session timed out")
	ErrRejected         = ErrorKind("rejected by masternode")
	ErrPoolAborted      = ErrorKind("pool aborted by masternode")
	ErrBadSkeleton      = ErrorKind("final transaction does not match entry")
	ErrSignatureFailure = ErrorKind("signing failed")
	ErrMasternodeGone   = ErrorKind("masternode unreachable")
)

// Liquidity and planning conditions. These are informational.
const (
	ErrInsufficientFunds = ErrorKind("insufficient funds for mixing")
	ErrNothingToDo       = ErrorKind("mixing complete for now")
	ErrNoQueues          = ErrorKind("no compatible mixing queue or masternode available")
	ErrNoInputs          = ErrorKind("no available inputs for denomination")
)

// ErrorClass is the broad category of a mixing error.
type ErrorClass uint8

const (
	ClassUnknown ErrorClass = iota
	ClassConfiguration
	ClassRole
	ClassPrecondition
	ClassProtocol
	ClassLiquidity
)

// String returns the name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassRole:
		return "role"
	case ClassPrecondition:
		return "precondition"
	case ClassProtocol:
		return "protocol"
	case ClassLiquidity:
		return "liquidity"
	}
	return "unknown"
}

var errorClasses = map[ErrorKind]ErrorClass{
	ErrDisabledByConfig:  ClassConfiguration,
	ErrDisabledInternal:  ClassConfiguration,
	ErrMasternodeRole:    ClassRole,
	ErrClientRole:        ClassRole,
	ErrWalletLocked:      ClassPrecondition,
	ErrAlreadyRunning:    ClassPrecondition,
	ErrNotRunning:        ClassPrecondition,
	ErrUnknownWallet:     ClassPrecondition,
	ErrTimeout:           ClassProtocol,
	ErrRejected:          ClassProtocol,
	ErrPoolAborted:       ClassProtocol,
	ErrBadSkeleton:       ClassProtocol,
	ErrSignatureFailure:  ClassProtocol,
	ErrMasternodeGone:    ClassProtocol,
	ErrInsufficientFunds: ClassLiquidity,
	ErrNothingToDo:       ClassLiquidity,
	ErrNoQueues:          ClassLiquidity,
	ErrNoInputs:          ClassLiquidity,
}

// Class finds the first ErrorKind in err's chain and returns its class.
func Class(err error) ErrorClass {
	for err != nil {
		if kind, ok := err.(ErrorKind); ok {
			return errorClasses[kind]
		}
		err = errors.Unwrap(err)
	}
	return ClassUnknown
}
