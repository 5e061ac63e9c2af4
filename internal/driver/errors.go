package driver

import "errors"

// Sentinel errors for the taxonomy in spec.md §7. Wrap with fmt.Errorf's
// %w to attach detail while keeping errors.Is checks working.
var (
	// ErrBadTerminalTransition is raised when an action double-reports
	// its outcome — failed() after passed(), or failed() after a
	// no-more-events success.
	ErrBadTerminalTransition = errors.New("driver: action reported a terminal outcome twice")

	// ErrActionRaised wraps an action's own failure signal.
	ErrActionRaised = errors.New("driver: action raised a failure")

	// ErrInvariantViolation represents a bug in the driver itself:
	// internal consistency checks failing, two candidate providers
	// sharing a canonical name, or resetting an action the driver does
	// not know.
	ErrInvariantViolation = errors.New("driver: internal invariant violated")
)
