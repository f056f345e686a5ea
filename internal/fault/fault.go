// Package fault tags errors with the kind of failure they represent so
// callers can decide on retry, fallback or escalation without string matching.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Unknown is reported for untagged errors.
	Unknown Kind = iota
	// Validation errors are rejected before any work starts.
	Validation
	// Transient errors are retried by the owning layer.
	Transient
	// Terminal errors must not be retried.
	Terminal
	// Outage errors have no automatic recovery path.
	Outage
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	case Outage:
		return "outage"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) error {
	return &Error{Kind: Validation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost tagged error in the chain.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a job-level retry may help.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Validation, Terminal:
		return false
	default:
		return true
	}
}
