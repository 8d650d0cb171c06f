// Package fault defines the error taxonomy shared by sessions, stores and the scheduler.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The scheduler decides between retry and permanent
// failure by Kind alone.
type Kind string

const (
	UnsupportedEngine     Kind = "UnsupportedEngine"
	ConnectionFailure     Kind = "ConnectionFailure"
	AuthenticationFailure Kind = "AuthenticationFailure"
	TargetBusy            Kind = "TargetBusy"
	IntegrityMismatch     Kind = "IntegrityMismatch"
	ArtifactNotFound      Kind = "ArtifactNotFound"
	ArtifactNotFinalized  Kind = "ArtifactNotFinalized"
	CorruptArtifact       Kind = "CorruptArtifact"
	AlreadyFinalized      Kind = "AlreadyFinalized"
	InvalidCronExpression Kind = "InvalidCronExpression"
	CancelledByOperator   Kind = "CancelledByOperator"
	// Interrupted marks a job whose process died while it was running.
	Interrupted Kind = "Interrupted"
	// Internal covers anything that was not classified.
	Internal Kind = "Internal"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CancelledByOperator
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a failure of this kind may be retried with backoff.
func Retryable(kind Kind) bool {
	switch kind {
	case ConnectionFailure, Interrupted:
		return true
	default:
		return false
	}
}
