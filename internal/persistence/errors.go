package persistence

import (
	"errors"
	"fmt"
)

var (
	ErrStorage       = errors.New("storage failure")
	ErrDuplicateTask = errors.New("duplicate task outcome")
	ErrInvalidQuery  = errors.New("invalid query")
	// ErrInvalidRecord marks a record rejected by validation before any write.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrRunInProgress is returned by StartRun while another run is still RUNNING.
	ErrRunInProgress = errors.New("evolution run already in progress")
)

// StorageError wraps an underlying SQLite failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("outcome for task %q already recorded", e.TaskID)
}

func (e *DuplicateTaskError) Is(target error) bool { return target == ErrDuplicateTask }

type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + e.Reason
}

func (e *InvalidQueryError) Is(target error) bool { return target == ErrInvalidQuery }

func invalidRecord(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
}

// isDomainError reports errors that withTx must pass through unwrapped.
func isDomainError(err error) bool {
	return errors.Is(err, ErrDuplicateTask) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrRunInProgress)
}
