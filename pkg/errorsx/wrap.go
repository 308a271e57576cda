package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError carries a reason code alongside the error it classifies.
// The first reason attached to an error chain wins.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e *ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *ReasonedError) Unwrap() error { return e.Err }

// Is matches another ReasonedError with the same reason, so
// errors.Is(err, New(ReasonEngineTimeout)) tests the classification.
func (e *ReasonedError) Is(target error) bool {
	t, ok := target.(*ReasonedError)
	return ok && t.Err == nil && t.Reason == e.Reason
}

// New returns a sentinel carrying only a reason; use it as an errors.Is target.
func New(reason ReasonCode) error {
	return &ReasonedError{Reason: reason}
}

// Wrap attaches reason to err. Nil stays nil and an already classified
// error keeps its original reason.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return &ReasonedError{Err: err, Reason: reason}
}

// Errorf formats a new error and classifies it.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return &ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Reason is the first reason code found in err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re *ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
