package git

import (
	"errors"
	"fmt"
)

var (
	errConflict        = errors.New("conflicts between branches")
	errAlreadyInTarget = errors.New("changes already exist in target branch")
	errUnsafePath      = errors.New("workspace path escapes the root directory")
	errNoCredentials   = errors.New("neither a token nor an SSH key is configured")

	// ErrConflict is returned by Fuse when the branches cannot be fused
	// without manual conflict resolution. The workspace is left clean.
	ErrConflict = errConflict
	// ErrAlreadyInTarget is returned by Fuse when the fused result equals the
	// target branch tip.
	ErrAlreadyInTarget = errAlreadyInTarget
	// ErrUnsafePath is returned for project names that are not local paths.
	ErrUnsafePath = errUnsafePath
	// ErrNoCredentials is returned when no authentication is configured.
	ErrNoCredentials = errNoCredentials
)

// Error is a version-control failure. Once returned the local mirror must be
// assumed inconsistent.
type Error struct {
	Operation string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s failed: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Operation: operation, Err: err}
}
