package refs

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/systemshift/memex-refs/internal/objid"
)

var (
	// ErrNotFound means the name is not in the store. It is a normal
	// query outcome, not a failure.
	ErrNotFound = errors.New("reference not found")
	// ErrNotPeelable means the reference is known not to peel to anything.
	ErrNotPeelable = errors.New("reference is not peelable")

	ErrNotLocked     = errors.New("chunked-refs is not locked")
	ErrAlreadyLocked = errors.New("chunked-refs is already locked by this store")
	ErrTxState       = errors.New("invalid transaction state")
	ErrTxInProgress  = errors.New("another chunked-refs transaction is in progress")
	// ErrWrongAlgo means an update carries an id of another hash algorithm.
	ErrWrongAlgo = errors.New("object id uses a different hash algorithm")
)

// FormatError reports a file that cannot be understood: a foreign
// signature, a different hash algorithm, or corrupt tables. Callers must
// not continue with the operation.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(path, format string, args ...interface{}) *FormatError {
	return &FormatError{Path: path, Err: errors.Errorf(format, args...)}
}

// ConflictKind classifies a failed old-value check.
type ConflictKind int

const (
	// ConflictExists: the update required the name to be absent.
	ConflictExists ConflictKind = iota
	// ConflictMismatch: the name is at a different id than required.
	ConflictMismatch
	// ConflictMissing: the update required an existing value.
	ConflictMissing
)

// ConflictError rejects a whole transaction because one update's
// expectation about the current value did not hold.
type ConflictError struct {
	Name     string
	Kind     ConflictKind
	Expected objid.ID
	Actual   objid.ID
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictExists:
		return fmt.Sprintf("cannot update ref '%s': reference already exists", e.Name)
	case ConflictMismatch:
		return fmt.Sprintf("cannot update ref '%s': is at %s but expected %s", e.Name, e.Actual, e.Expected)
	default:
		return fmt.Sprintf("cannot update ref '%s': reference is missing but expected %s", e.Name, e.Expected)
	}
}

// DuplicateError rejects a batch naming the same reference twice.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("multiple updates for ref '%s' not allowed", e.Name)
}

// RefnameError rejects a syntactically invalid reference name.
type RefnameError struct {
	Name   string
	Reason string
}

func (e *RefnameError) Error() string {
	return fmt.Sprintf("invalid reference name '%s': %s", e.Name, e.Reason)
}
