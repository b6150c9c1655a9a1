package cmd

import (
	"errors"
	"fmt"
)

// codedError carries the process exit code of a failed command.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// exitCodeOf returns the exit code attached by exitError, or 1.
func exitCodeOf(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}
