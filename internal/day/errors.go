package day

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDayNotFound       = errors.New("trading day not found")
	ErrDayExists         = errors.New("trading day already exists")
	ErrDayInProgress     = errors.New("another trading day is in progress")
	ErrDayTerminal       = errors.New("trading day is terminal")
	ErrJournalAppend     = errors.New("journal append failed")
)

// TransitionError is returned when the current state of a day does not match
// the expected source state of a transition.
type TransitionError struct {
	Key      Key
	Event    EventType
	Expected State
	Actual   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s requires state %s, day is %s", e.Key, e.Event, e.Expected, e.Actual)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// JournalError wraps a failed append. The transition it belonged to was not
// applied and callers must stop the workflow.
type JournalError struct {
	Key   Key
	Event EventType
	Err   error
}

func (e *JournalError) Error() string {
	return fmt.Sprintf("%s: append %s: %v", e.Key, e.Event, e.Err)
}

func (e *JournalError) Unwrap() []error { return []error{ErrJournalAppend, e.Err} }
