package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers switch on these with
// errors.Is; wrapped variants keep the parent in their chain.
var (
	// ErrInvalidRule rejects a malformed rule before it is persisted.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrDanglingRuleReference is raised when a composite rule points at a rule that no longer exists.
	ErrDanglingRuleReference = errors.New("dangling rule reference")

	// ErrForbidden covers capability and business precondition failures.
	ErrForbidden = errors.New("forbidden")

	// ErrSolutionRequired is returned when closing an incident whose type has no solution.
	ErrSolutionRequired = fmt.Errorf("%w: incident type has no recorded or accepted solution", ErrForbidden)

	// ErrMappingInProgress blocks refinement while a mapping run holds the datasource.
	ErrMappingInProgress = fmt.Errorf("%w: mapping run in progress", ErrForbidden)

	// ErrInvalidTransition is returned for transitions outside the state machine.
	ErrInvalidTransition = fmt.Errorf("%w: state transition not allowed", ErrForbidden)

	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflictingMerge reports a merge whose source and target resolve to the same entity.
	ErrConflictingMerge = errors.New("conflicting merge")

	// ErrClassifierUnavailable wraps timeouts and failures of the classifier RPC.
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	// ErrInvalidInput rejects malformed requests that are not rules.
	ErrInvalidInput = errors.New("invalid input")
)
