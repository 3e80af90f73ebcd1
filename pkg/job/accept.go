package job

import (
	"context"
	"fmt"

	"github.com/sgaunet/auto-merge/internal/notes"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
)

// accept asks GitLab to merge actingSHA and classifies every refusal.
// attemptMerged means the merge request is merged or being merged and must
// be confirmed; attemptRetry means someone jumped the queue.
func (j *mergeJob) accept(ctx context.Context, project *gitlab.Project, actingSHA string) (attemptResult, error) {
	opts := gitlab.AcceptOptions{
		SHA:                       actingSHA,
		ShouldRemoveSourceBranch:  j.mr.ForceRemoveSourceBranch,
		MergeWhenPipelineSucceeds: project.OnlyAllowMergeIfPipelineSucceeds,
	}
	j.info(fmt.Sprintf("Accepting !%d at %s", j.mr.IID, shortSHA(actingSHA)))

	_, err := j.api.Accept(ctx, j.mr.ProjectID, j.mr.IID, opts)
	if err == nil {
		return attemptResult{kind: attemptMerged}, nil
	}

	apiErr, ok := gitlab.AsAPIError(err)
	if !ok {
		return attemptResult{}, err
	}
	j.warn(fmt.Sprintf("Accept of !%d failed: %v", j.mr.IID, apiErr))

	switch apiErr.Kind {
	case gitlab.Unprocessable:
		return j.onUnprocessable(ctx, project, err)
	case gitlab.NotAcceptable:
		return j.onNotAcceptable(ctx, project, apiErr)
	case gitlab.Unauthorized:
		return attemptResult{}, cannotMergef(err, "My user cannot accept merge requests!")
	case gitlab.NotFound:
		return j.onNotFound(ctx, err)
	case gitlab.MethodNotAllowed:
		return j.onMethodNotAllowed(ctx, project, err)
	default:
		return attemptResult{}, cannotMergef(err, "had some issue with GitLab, check my logs...")
	}
}

// onUnprocessable: GitLab could not merge; either the target branch moved
// under the merge request or something unexplained happened.
func (j *mergeJob) onUnprocessable(ctx context.Context, project *gitlab.Project, acceptErr error) (attemptResult, error) {
	mr, err := j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to refresh merge request !%d: %w", j.mr.IID, err)
	}
	j.mr = mr

	target, err := j.api.Branch(ctx, project.ID, mr.TargetBranch)
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to fetch target branch %s: %w", mr.TargetBranch, err)
	}
	if target.Commit.ID != mr.BaseSHA() {
		j.comment(ctx, notes.QueueJumpedMerge, "")
		return attemptResult{kind: attemptRetry, reason: "someone merged ahead of us"}, nil
	}
	return attemptResult{}, cannotMergef(acceptErr, "GitLab did not accept the merge request (422), check my logs...")
}

// onNotAcceptable: the sha no longer matches; someone pushed to the target
// branch since this attempt read it.
func (j *mergeJob) onNotAcceptable(ctx context.Context, project *gitlab.Project, apiErr *gitlab.APIError) (attemptResult, error) {
	target, err := j.api.Branch(ctx, project.ID, j.mr.TargetBranch)
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to fetch target branch %s: %w", j.mr.TargetBranch, err)
	}
	if target.Commit.ID != j.targetSHA {
		j.comment(ctx, notes.QueueJumpedPush, "")
		return attemptResult{kind: attemptRetry, reason: "someone pushed to " + j.mr.TargetBranch}, nil
	}
	return attemptResult{}, cannotMergef(apiErr, "Merge request was rejected by GitLab: %s", apiErr.Message)
}

// onNotFound: only a concurrent merge explains a 404 here; anything else is
// left unclassified.
func (j *mergeJob) onNotFound(ctx context.Context, acceptErr error) (attemptResult, error) {
	mr, err := j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to refresh merge request !%d: %w", j.mr.IID, err)
	}
	j.mr = mr
	if mr.State == gitlab.StateMerged {
		j.info(fmt.Sprintf("!%d was merged by someone else", mr.IID))
		return attemptResult{kind: attemptMerged}, nil
	}
	return attemptResult{}, acceptErr
}

// onMethodNotAllowed: GitLab considers the merge request unmergeable; the
// new state usually tells why.
func (j *mergeJob) onMethodNotAllowed(ctx context.Context, project *gitlab.Project, acceptErr error) (attemptResult, error) {
	mr, err := j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to refresh merge request !%d: %w", j.mr.IID, err)
	}
	j.mr = mr

	switch {
	case mr.IsDraft():
		return attemptResult{}, cannotMergef(acceptErr,
			"The request was marked as Draft as I was processing it (maybe a Draft commit?)")
	case mr.State == gitlab.StateReopened:
		return attemptResult{}, cannotMergef(acceptErr,
			"GitLab refused to merge this branch. I suspect that a Push Rule or a git-hook is rejecting my commits; "+
				"maybe my email needs to be white-listed?")
	case mr.State == gitlab.StateClosed:
		return attemptResult{}, cannotMergef(acceptErr, "Someone closed the merge request while I was attempting to merge it.")
	case mr.State == gitlab.StateMerged:
		return attemptResult{kind: attemptMerged}, nil
	}

	reason := "Gitlab refused to merge this request and I don't know why!"
	if project.OnlyAllowMergeIfAllDiscussionsAreResolved {
		reason += " Maybe you have unresolved discussions?"
	}
	return attemptResult{}, cannotMergef(acceptErr, "%s", reason)
}

// confirm polls the merge request until GitLab reports it merged.
func (j *mergeJob) confirm(ctx context.Context) error {
	deadline := j.clock.Now().Add(j.opts.MergeTimeout)
	for {
		mr, err := j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
		if err != nil {
			return fmt.Errorf("failed to refresh merge request !%d: %w", j.mr.IID, err)
		}
		j.mr = mr

		switch mr.State {
		case gitlab.StateMerged:
			return nil
		case gitlab.StateClosed:
			return cannotMerge("someone closed the merge request while merging!")
		case gitlab.StateOpened, gitlab.StateReopened, gitlab.StateLocked:
			j.debug(fmt.Sprintf("Still waiting for !%d to be merged, it is %s", mr.IID, mr.State))
		default:
			return fmt.Errorf("%w: %q while waiting for the merge", errUnexpectedState, mr.State)
		}

		if !j.clock.Now().Before(deadline) {
			return cannotMerge("It is taking too long to see the request marked as merged!")
		}
		if err := j.clock.Sleep(ctx, j.opts.ConfirmInterval); err != nil {
			return err
		}
	}
}
