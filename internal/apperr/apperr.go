// Package apperr classifies failures so callers can decide whether to
// surface, retry or reject them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindTransient
	KindBusinessRule
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindBusinessRule:
		return "business_rule"
	}
	return "internal"
}

// Error is a classified application error
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed or missing input
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown identifier
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// BusinessRule reports a request that is well-formed but not allowed
func BusinessRule(op, format string, args ...any) error {
	return &Error{Kind: KindBusinessRule, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an infrastructure failure that may succeed on retry
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is worth retrying
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}
