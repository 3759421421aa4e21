package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyNotFound is returned for ids that were never created.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrPolicyExists is returned when an internal id is reused.
	ErrPolicyExists = errors.New("policy already exists")
	// ErrAlreadyResolved is returned when a resolved policy would be mutated.
	ErrAlreadyResolved = errors.New("policy already resolved")
	// ErrDuplicateRequest is returned while an oracle query is outstanding.
	ErrDuplicateRequest = errors.New("oracle request already pending")
	// ErrUnknownCorrelationID is returned for responses that match no outstanding query.
	ErrUnknownCorrelationID = errors.New("unknown correlation id")
)

// ValidationError reports rejected policy input with a specific reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ExternalCallError wraps a failed call to the fee token, the oracle
// transport or the settlement ledger. The operation that hit it was aborted.
type ExternalCallError struct {
	Op  string
	Err error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call %s failed: %v", e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}
