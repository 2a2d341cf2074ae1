package worker

import (
	"errors"
)

// TerminalError marks a handler failure that must not be retried by the
// remote queue. The task is reported as FAILED_WITH_TERMINAL_ERROR.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return "terminal error"
	}
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError wraps err as terminal. A nil err yields nil.
func NewTerminalError(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Terminal returns a terminal error with the given message.
func Terminal(msg string) error {
	return &TerminalError{Err: errors.New(msg)}
}

// IsTerminal reports whether err, or any error it wraps, is terminal.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
