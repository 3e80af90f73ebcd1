package job

import (
	"errors"
	"fmt"
)

var (
	errReapproveNeedsAdmin = errors.New("re-approving requires an administrator account to impersonate approvers")
	errNoWorkspaces        = errors.New("a workspace provider is required unless api_only is set")
	errAPIOnlyFusion       = errors.New("api_only requires the gitlab_rebase fusion")
	errRebaseUnsupported   = errors.New("the platform rebase API requires GitLab 11.6 or later")
	errUnexpectedState     = errors.New("merge request in unexpected state")

	// ErrReapproveNeedsAdmin is returned by NewEngine when reapprove is set
	// for a non-administrator bot user.
	ErrReapproveNeedsAdmin = errReapproveNeedsAdmin
	// ErrNoWorkspaces is returned by NewEngine when a local fuse is configured
	// without a workspace provider.
	ErrNoWorkspaces = errNoWorkspaces
	// ErrAPIOnlyFusion is returned by NewEngine for api_only with a local fusion.
	ErrAPIOnlyFusion = errAPIOnlyFusion
	// ErrRebaseUnsupported is returned by NewEngine when the server is too old
	// for the gitlab_rebase fusion.
	ErrRebaseUnsupported = errRebaseUnsupported
	// ErrUnexpectedState is returned when confirmation observes a state
	// outside the merge request lifecycle.
	ErrUnexpectedState = errUnexpectedState
)

// CannotMergeError ends the job for one merge request: the bot comments the
// reason and gives the merge request back.
type CannotMergeError struct {
	Reason string
	Err    error
}

func (e *CannotMergeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot merge: %s: %v", e.Reason, e.Err)
	}
	return "cannot merge: " + e.Reason
}

func (e *CannotMergeError) Unwrap() error {
	return e.Err
}

// SkipMergeError ends the job silently; nothing was mutated.
type SkipMergeError struct {
	Reason string
}

func (e *SkipMergeError) Error() string {
	return "skipping: " + e.Reason
}

func cannotMerge(reason string) error {
	return &CannotMergeError{Reason: reason}
}

func cannotMergef(cause error, format string, args ...any) error {
	return &CannotMergeError{Reason: fmt.Sprintf(format, args...), Err: cause}
}

func skipMerge(reason string) error {
	return &SkipMergeError{Reason: reason}
}
