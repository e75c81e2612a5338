// Package fault classifies errors raised by the simulation core.
//
// Callers wrap one of the sentinel kinds with fmt.Errorf and "%w" so that the
// control surface (and retrying callers) can tell bad input apart from a rule
// that currently forbids the operation and from a failing collaborator.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input: unknown ids, out-of-range values.
	ErrValidation = errors.New("validation error")

	// ErrRule marks a domain rule that forbids the operation right now,
	// e.g. an illegal status transition or a service at capacity.
	ErrRule = errors.New("domain rule violation")

	// ErrCollaborator marks a failure in the ledger or persistence layer.
	ErrCollaborator = errors.New("collaborator failure")

	// ErrNotFound is a validation error for an unknown entity id.
	ErrNotFound = fmt.Errorf("%w: not found", ErrValidation)
)

// Validation returns a validation error with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Rule returns a domain-rule error with a formatted message.
func Rule(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRule, fmt.Sprintf(format, args...))
}

// NotFound reports an unknown entity of the given kind.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Collaborator wraps err as a collaborator failure unless it already is one.
func Collaborator(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCollaborator) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrCollaborator, err)
}

// Kind returns a short label for logs and HTTP mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrRule):
		return "rule"
	case errors.Is(err, ErrCollaborator):
		return "collaborator"
	default:
		return "internal"
	}
}
