package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateID       = errors.New("job id already exists")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrStopped           = errors.New("manager stopped")
	ErrNotReady          = errors.New("artifact not available")
)

// SetupError reports a failure to allocate a job's workspace.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return "workspace setup failed: " + e.Err.Error() }

func (e *SetupError) Unwrap() error { return e.Err }

// checkTransition enforces the job invariants on every registry update.
func checkTransition(prev, next Job) error {
	if next.ID != prev.ID || next.Source != prev.Source || next.Revision != prev.Revision ||
		!next.SubmittedAt.Equal(prev.SubmittedAt) {
		return fmt.Errorf("%w: immutable field changed", ErrInvalidTransition)
	}
	if next.Status.rank() < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}
	if prev.Status.IsTerminal() {
		return fmt.Errorf("%w: job already %s", ErrInvalidTransition, prev.Status)
	}
	if next.Status.rank() < prev.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if (next.FinishedAt != nil) != next.Status.IsTerminal() {
		return fmt.Errorf("%w: finished_at must be set exactly on terminal states", ErrInvalidTransition)
	}
	if (next.ArtifactRef != "") != (next.Status == JobStatusSucceeded) {
		return fmt.Errorf("%w: artifact must be set exactly on success", ErrInvalidTransition)
	}
	return nil
}
