package chatstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// StepError is the outcome of one queued command inside an atomic batch.
// The backend executes the whole batch in one round trip and reports each
// command individually; commands that already ran are never rolled back.
type StepError struct {
	Index int
	Name  string
	Err   error
}

// BatchError reports a batch where at least one command failed. Callers
// must treat the batch as possibly partially applied; every write issued
// through a batch here is an overwrite-by-id, so retrying the whole
// operation is safe.
type BatchError struct {
	Op    string
	Steps []StepError
}

func (e *BatchError) Error() string {
	if len(e.Steps) == 0 {
		return fmt.Sprintf("%s: batch failed", e.Op)
	}
	parts := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		parts = append(parts, fmt.Sprintf("step %d (%s): %v", s.Index, s.Name, s.Err))
	}
	return fmt.Sprintf("%s: %d batch steps failed: %s", e.Op, len(e.Steps), strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Steps))
	for _, s := range e.Steps {
		errs = append(errs, s.Err)
	}
	return errs
}

// newBatchError collects per-command failures out of an executed pipeline.
// redis.Nil is not a failure, it only means a read inside the batch found
// nothing.
func newBatchError(op string, cmds []redis.Cmder, execErr error) error {
	steps := make([]StepError, 0, 1)
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
			steps = append(steps, StepError{Index: i, Name: cmd.Name(), Err: err})
		}
	}
	if len(steps) == 0 {
		if execErr == nil || errors.Is(execErr, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, execErr)
	}
	return &BatchError{Op: op, Steps: steps}
}
