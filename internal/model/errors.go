package model

import (
	"errors"
	"fmt"
)

// Error kind sentinels, one per failure class the system distinguishes
// at component boundaries. Concrete errors
// wrap one of these with fmt.Errorf("...: %w", ...) so callers can branch
// with errors.Is while still getting a descriptive message.
var (
	// ErrPersistence marks a backend storage failure (connection,
	// transaction, (de)serialization). The triggering transaction is
	// always rolled back.
	ErrPersistence = errors.New("persistence error")

	// ErrNotFound marks a lookup that found no row, distinct from a
	// persistence failure.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a referential or field-validation failure at
	// ingress; it never mutates state.
	ErrValidation = errors.New("validation error")

	// ErrAuth marks missing or invalid credentials.
	ErrAuth = errors.New("unauthenticated")

	// ErrTransport marks a network call failure against an external
	// collaborator (VPN, OIDC, agent stream).
	ErrTransport = errors.New("transport error")

	// ErrTaskFailure marks an agent-side make_present/check_present failure.
	ErrTaskFailure = errors.New("task failure")

	// ErrFatal marks a startup failure (migrations, listener bind, TLS
	// material) that should terminate the process.
	ErrFatal = errors.New("fatal error")
)

func errParameterDependency(owner, dep ParameterID) error {
	return fmt.Errorf("%w: parameter %s depends on unknown parameter %s", ErrValidation, owner, dep)
}
