package workflow

import (
	"errors"
	"fmt"
)

// ErrOperationInProgress means another worker holds a fresh claim on the key.
// The delivery should come back later; it is not a failure.
var ErrOperationInProgress = errors.New("operation in progress")

var ErrUnknownEvent = errors.New("unknown event")

var ErrInvalidKey = errors.New("invalid idempotency key")

// ExecutionError is returned once the executor has used up every attempt.
type ExecutionError struct {
	Operation string
	Key       string
	Attempts  int
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}
