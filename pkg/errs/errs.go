// Package errs defines the closed error taxonomy shared by the store,
// the state machine and the handlers, so callers can branch on kind
// with errs.Is or errors.As instead of matching error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories named in the store and handler
// contracts.
type Kind int

const (
	// NotFound: lookup by name or id failed.
	NotFound Kind = iota
	// Duplicate: attempted insert of a uniquely-keyed entity that already exists.
	Duplicate
	// InvariantViolation: operation attempted without holding the lock, or an
	// unknown SM state was reached.
	InvariantViolation
	// ResourceExhausted: allocation failure or event queue full.
	ResourceExhausted
	// PersistenceFailure: durable store rejected a commit or failed to load.
	PersistenceFailure
	// DomainFailure: a handler's domain operation failed (package load,
	// unmount, etc).
	DomainFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Duplicate:
		return "duplicate"
	case InvariantViolation:
		return "invariant_violation"
	case ResourceExhausted:
		return "resource_exhausted"
	case PersistenceFailure:
		return "persistence_failure"
	case DomainFailure:
		return "domain_failure"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so it can be tested with
// errors.As without the caller parsing message text.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "store.add_application"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind for the given operation.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
