package checkpoint

import (
	"errors"
	"fmt"
)

// Standard snapshot storage error types that all implementations should use.
var (
	// ErrSnapshotNotFound indicates no snapshot exists for the given thread.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrConflict indicates the optimistic version marker was stale: another
	// writer persisted the same version for the thread first. Surfaced to the
	// caller as a retryable condition; the store never auto-retries.
	ErrConflict = errors.New("snapshot version conflict")
)

// SnapshotError wraps snapshot storage errors with additional context.
type SnapshotError struct {
	Op       string // Operation being performed (e.g., "Put", "Latest")
	ThreadID string // Thread identifier
	Version  int64  // Snapshot version if applicable
	Err      error  // Underlying error
}

func (e *SnapshotError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s failed for thread %s version %d: %v", e.Op, e.ThreadID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s failed for thread %s: %v", e.Op, e.ThreadID, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for snapshot errors.
func (e *SnapshotError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewSnapshotError creates a new snapshot error with context.
func NewSnapshotError(op, threadID string, version int64, err error) *SnapshotError {
	return &SnapshotError{
		Op:       op,
		ThreadID: threadID,
		Version:  version,
		Err:      err,
	}
}

// IsConflict checks if an error indicates a stale optimistic version.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsSnapshotNotFound checks if an error indicates a missing snapshot.
func IsSnapshotNotFound(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound)
}
