// Package utils provides shared utility helpers used across the node.
package utils

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the recovery action the caller should
// take, per the node's error handling design: Transient failures are
// retried with backoff, Logical failures reject the offending unit and
// continue, Fatal failures trigger best-effort cleanup and exit(1).
type Kind int

const (
	// KindUnknown is the zero value for errors that have not been
	// classified; callers should treat it the same as Logical.
	KindUnknown Kind = iota
	KindTransient
	KindLogical
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindLogical:
		return "logical"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// kindedError attaches a Kind to a wrapped error.
type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Unwrap() error { return e.err }

// Classify wraps err with a Kind so call sites can branch on retry/log/
// exit policy via KindOf instead of re-deriving it ad hoc.
func Classify(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: err}
}

// Wrap adds context to an error message without attaching a Kind of its
// own; KindOf still reports any Kind already in err's chain, else
// KindUnknown. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapKind adds context to an error message and classifies it in one
// call.
func WrapKind(err error, message string, kind Kind) error {
	if err == nil {
		return nil
	}
	return Classify(fmt.Errorf("%s: %w", message, err), kind)
}

// KindOf returns the Kind attached to err via Classify/WrapKind, or
// KindUnknown if err (or any error in its Unwrap chain) was never
// classified.
func KindOf(err error) Kind {
	var ke *kindedError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}
