// Package syncerr classifies the errors a sync run can end with.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the classification reported in a run result.
type Kind string

const (
	KindConnection     Kind = "ConnectionError"
	KindSchema         Kind = "SchemaError"
	KindCast           Kind = "CastError"
	KindInvalidKey     Kind = "InvalidKeyError"
	KindWrite          Kind = "WriteError"
	KindWatermarkStore Kind = "WatermarkStoreError"
	KindTimeout        Kind = "TimeoutError"
	KindCancelled      Kind = "Cancelled"
	KindUnknown        Kind = "UnknownError"
)

// Sentinels for use with errors.Is.
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrSchema         = &Error{Kind: KindSchema}
	ErrCast           = &Error{Kind: KindCast}
	ErrInvalidKey     = &Error{Kind: KindInvalidKey}
	ErrWrite          = &Error{Kind: KindWrite}
	ErrWatermarkStore = &Error{Kind: KindWatermarkStore}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "fetch chunk" or "cast amount".
	Op  string
	Err error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the classification of the outermost classified error in the chain.
// Context errors that were never classified map to Timeout or Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// Retryable reports whether a run may retry the failed step. Only source connection failures and destination
// write failures are transient; everything else requires operator intervention or ends the run.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindWrite:
		return true
	}
	return false
}

// Classify wraps err with kind unless it is already classified. Context errors are classified as Timeout or
// Cancelled regardless of the requested kind.
func Classify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return New(KindCancelled, op, err)
	}
	return New(kind, op, err)
}
