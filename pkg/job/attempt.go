package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/sgaunet/auto-merge/pkg/config"
	"github.com/sgaunet/auto-merge/pkg/git"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
)

// attemptKind tells updateAndAccept how an attempt ended.
type attemptKind int

const (
	// attemptMerged: the merge request is merged.
	attemptMerged attemptKind = iota
	// attemptRetry: someone raced us, start over.
	attemptRetry
	// attemptMismatch: the platform rebase disagreed with the local one.
	attemptMismatch
)

type attemptResult struct {
	kind   attemptKind
	reason string
}

// attempt runs one pass of guard, sync, approve, CI, settle, accept and
// confirm.
func (j *mergeJob) attempt(ctx context.Context) (attemptResult, error) {
	project, err := j.api.Project(ctx, j.mr.ProjectID)
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to fetch project %d: %w", j.mr.ProjectID, err)
	}

	if err := j.ensureMergeable(ctx, project, j.approvalsRestorable()); err != nil {
		return attemptResult{}, err
	}

	actingSHA, mismatch, err := j.synchronize(ctx, project)
	if err != nil {
		return attemptResult{}, err
	}
	if mismatch != "" {
		return attemptResult{kind: attemptMismatch, reason: mismatch}, nil
	}

	if err := j.ensureSourceUnchanged(ctx, actingSHA); err != nil {
		return attemptResult{}, err
	}

	if j.opts.Reapprove {
		if err := j.restoreApprovals(ctx); err != nil {
			return attemptResult{}, err
		}
	}

	if j.opts.CancelStalePipelines {
		j.cancelStalePipelines(ctx, actingSHA)
	}

	if project.OnlyAllowMergeIfPipelineSucceeds {
		if err := j.waitForCI(ctx, actingSHA); err != nil {
			return attemptResult{}, err
		}
	}

	j.settle(ctx)
	if err := j.ensureMergeable(ctx, project, false); err != nil {
		return attemptResult{}, err
	}
	if err := j.ensureSourceUnchanged(ctx, actingSHA); err != nil {
		return attemptResult{}, err
	}

	res, err := j.accept(ctx, project, actingSHA)
	if err != nil || res.kind != attemptMerged {
		return res, err
	}

	if err := j.confirm(ctx); err != nil {
		return attemptResult{}, err
	}
	return attemptResult{kind: attemptMerged}, nil
}

// approvalsRestorable reports whether missing approvals will be replayed
// later in the attempt, in which case the first guard tolerates them.
func (j *mergeJob) approvalsRestorable() bool {
	return j.opts.Reapprove && j.approvals != nil && j.approvals.Sufficient()
}

// ensureMergeable re-fetches the merge request and refuses anything the bot
// must not merge.
func (j *mergeJob) ensureMergeable(ctx context.Context, project *gitlab.Project, tolerateApprovals bool) error {
	mr, err := j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return fmt.Errorf("failed to refresh merge request !%d: %w", j.mr.IID, err)
	}
	j.mr = mr
	j.debug(fmt.Sprintf("!%d is %s at %s", mr.IID, mr.State, shortSHA(mr.SHA)))

	if mr.IsDraft() {
		return cannotMerge("Sorry, I can't merge requests marked as Draft!")
	}

	switch mr.State {
	case gitlab.StateOpened, gitlab.StateReopened, gitlab.StateLocked:
	case gitlab.StateMerged:
		return skipMerge("The merge request is already merged!")
	case gitlab.StateClosed:
		return cannotMerge("The merge request is already closed!")
	default:
		return cannotMerge(fmt.Sprintf("The merge request is in an unknown state: %s", mr.State))
	}

	if !j.user.IsAdmin && project.AccessLevel() < gitlab.DeveloperAccess {
		return cannotMerge("I don't have enough permissions to merge in this project!")
	}

	if !tolerateApprovals {
		approvals, err := j.api.Approvals(ctx, mr.ProjectID, mr.IID)
		if err != nil {
			return fmt.Errorf("failed to fetch approvals of !%d: %w", mr.IID, err)
		}
		if !approvals.Sufficient() {
			return cannotMerge(fmt.Sprintf("Insufficient approvals (have: %d; missing: %d)",
				len(approvals.ApprovedBy), approvals.ApprovalsLeft))
		}
	}

	if !mr.IsAssignedTo(j.user.ID) {
		return skipMerge("It is not assigned to me anymore!")
	}
	return nil
}

// synchronize brings the source branch on top of the target branch when the
// target moved past the recorded base. It returns the sha to merge, or a
// non-empty mismatch reason.
func (j *mergeJob) synchronize(ctx context.Context, project *gitlab.Project) (string, string, error) {
	target, err := j.api.Branch(ctx, project.ID, j.mr.TargetBranch)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch target branch %s: %w", j.mr.TargetBranch, err)
	}
	j.targetSHA = target.Commit.ID

	if j.targetSHA == j.mr.BaseSHA() {
		j.debug(fmt.Sprintf("%s has not moved since %s, nothing to fuse", j.mr.TargetBranch, shortSHA(j.targetSHA)))
		return j.mr.SHA, "", nil
	}

	j.info(fmt.Sprintf("%s moved to %s, updating %s", j.mr.TargetBranch, shortSHA(j.targetSHA), j.mr.SourceBranch))
	if j.opts.APIOnly {
		sha, err := j.platformRebase(ctx)
		return sha, "", err
	}
	return j.fuseLocally(ctx, project)
}

// fuseLocally fuses in the workspace and pushes the result, or, for the
// gitlab_rebase fusion, predicts the platform rebase and checks it.
func (j *mergeJob) fuseLocally(ctx context.Context, project *gitlab.Project) (string, string, error) {
	if j.sourceProjectID() == project.ID && j.mr.SourceBranch == j.mr.TargetBranch {
		return "", "", cannotMerge("source and target branch seem to coincide!")
	}

	ws, err := j.workspaces.Workspace(ctx, project.PathWithNamespace, j.repoURL(project))
	if err != nil {
		return "", "", err
	}

	req := git.FuseRequest{
		SourceBranch: j.mr.SourceBranch,
		TargetBranch: j.mr.TargetBranch,
		Strategy:     git.Rebase,
	}
	if j.opts.Fusion == config.FusionMerge {
		req.Strategy = git.Merge
	}
	if j.sourceProjectID() != project.ID {
		source, err := j.api.Project(ctx, j.sourceProjectID())
		if err != nil {
			return "", "", fmt.Errorf("failed to fetch source project %d: %w", j.sourceProjectID(), err)
		}
		req.SourceRepoURL = j.repoURL(source)
	}

	result, err := ws.Fuse(ctx, req)
	switch {
	case errors.Is(err, git.ErrConflict):
		verb := "rebasing"
		if req.Strategy == git.Merge {
			verb = "merging"
		}
		return "", "", cannotMergef(err, "got conflicts while %s, your problem now...", verb)
	case errors.Is(err, git.ErrAlreadyInTarget):
		return "", "", cannotMergef(err, "these changes already exist in branch `%s`", j.mr.TargetBranch)
	case err != nil:
		return "", "", err
	}

	if !result.Changed() {
		j.debug("Nothing to fuse, " + j.mr.SourceBranch + " is up to date")
		return result.SourceSHA, "", nil
	}

	if j.opts.Fusion == config.FusionGitLabRebase {
		sha, err := j.platformRebase(ctx)
		if err != nil {
			return "", "", err
		}
		if sha != result.UpdatedSHA {
			return "", fmt.Sprintf("expected %s but GitLab produced %s", shortSHA(result.UpdatedSHA), shortSHA(sha)), nil
		}
		return sha, "", nil
	}

	if err := ws.Push(ctx, j.mr.SourceBranch, req.SourceRepoURL); err != nil {
		return "", "", j.explainPushFailure(ctx, result.SourceSHA, err)
	}
	j.info(fmt.Sprintf("Pushed %s at %s", j.mr.SourceBranch, shortSHA(result.UpdatedSHA)))
	return result.UpdatedSHA, "", nil
}

// explainPushFailure turns a failed push into a refusal when the remote
// branch tells why; otherwise the workspace failure propagates.
func (j *mergeJob) explainPushFailure(ctx context.Context, sourceSHA string, pushErr error) error {
	branch, err := j.api.Branch(ctx, j.sourceProjectID(), j.mr.SourceBranch)
	if err != nil {
		j.warn(fmt.Sprintf("Failed to inspect %s after a failed push: %v", j.mr.SourceBranch, err))
		return pushErr
	}
	if branch.Protected {
		return cannotMergef(pushErr, "Sorry, I can't modify protected branches!")
	}
	if branch.Commit.ID != sourceSHA {
		return cannotMergef(pushErr, "failed to push rebased changes, check my logs!")
	}
	return pushErr
}

// platformRebase asks GitLab to rebase the source branch and waits for it.
func (j *mergeJob) platformRebase(ctx context.Context) (string, error) {
	mr, err := j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return "", fmt.Errorf("failed to refresh merge request !%d: %w", j.mr.IID, err)
	}

	if !mr.RebaseInProgress {
		if err := j.api.Rebase(ctx, j.mr.ProjectID, j.mr.IID); err != nil {
			return "", j.explainRebaseFailure(ctx, err)
		}
	}

	deadline := j.clock.Now().Add(j.opts.RebaseTimeout)
	for {
		mr, err = j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
		if err != nil {
			return "", fmt.Errorf("failed to refresh merge request !%d: %w", j.mr.IID, err)
		}
		if !mr.RebaseInProgress {
			if mr.MergeError != "" {
				return "", cannotMerge("GitLab failed to rebase the branch saying: " + mr.MergeError)
			}
			j.mr = mr
			j.info(fmt.Sprintf("GitLab rebased %s to %s", mr.SourceBranch, shortSHA(mr.SHA)))
			return mr.SHA, nil
		}
		if !j.clock.Now().Before(deadline) {
			return "", cannotMerge("GitLab was taking too long to rebase the branch...")
		}
		if err := j.clock.Sleep(ctx, j.opts.RebaseInterval); err != nil {
			return "", err
		}
	}
}

func (j *mergeJob) explainRebaseFailure(ctx context.Context, rebaseErr error) error {
	apiErr, ok := gitlab.AsAPIError(rebaseErr)
	if !ok {
		return rebaseErr
	}
	branch, err := j.api.Branch(ctx, j.sourceProjectID(), j.mr.SourceBranch)
	if err == nil && branch.Protected {
		return cannotMergef(rebaseErr, "Sorry, I can't modify protected branches!")
	}
	return cannotMergef(rebaseErr, "GitLab refused to rebase the branch: %s", apiErr.Message)
}

// ensureSourceUnchanged is the race guard: the source branch must still
// point at the sha about to be approved and merged.
func (j *mergeJob) ensureSourceUnchanged(ctx context.Context, actingSHA string) error {
	branch, err := j.api.Branch(ctx, j.sourceProjectID(), j.mr.SourceBranch)
	if err != nil {
		return fmt.Errorf("failed to fetch source branch %s: %w", j.mr.SourceBranch, err)
	}
	if branch.Commit.ID != actingSHA {
		j.warn(fmt.Sprintf("%s moved from %s to %s", j.mr.SourceBranch, shortSHA(actingSHA), shortSHA(branch.Commit.ID)))
		return cannotMerge("Someone pushed to branch while we were trying to merge")
	}
	return nil
}

// cancelStalePipelines cancels the unfinished pipelines of the source branch
// that do not test actingSHA. Failures are only logged.
func (j *mergeJob) cancelStalePipelines(ctx context.Context, actingSHA string) {
	for _, status := range []string{gitlab.PipelineRunning, gitlab.PipelinePending, gitlab.PipelineCreated} {
		pipelines, err := j.api.BranchPipelines(ctx, j.sourceProjectID(), j.mr.SourceBranch, status)
		if err != nil {
			j.warn(fmt.Sprintf("Failed to list %s pipelines of %s: %v", status, j.mr.SourceBranch, err))
			continue
		}
		for _, p := range pipelines {
			if p.SHA == actingSHA {
				continue
			}
			j.info(fmt.Sprintf("Cancelling stale pipeline %d at %s", p.ID, shortSHA(p.SHA)))
			if err := j.api.CancelPipeline(ctx, j.sourceProjectID(), p.ID); err != nil {
				j.warn(fmt.Sprintf("Failed to cancel pipeline %d: %v", p.ID, err))
			}
		}
	}
}

func (j *mergeJob) sourceProjectID() int64 {
	if j.mr.SourceProjectID != 0 {
		return j.mr.SourceProjectID
	}
	return j.mr.ProjectID
}

func (j *mergeJob) repoURL(project *gitlab.Project) string {
	if j.opts.UseHTTPS {
		return project.HTTPURLToRepo
	}
	return project.SSHURLToRepo
}

func shortSHA(sha string) string {
	const n = 8
	if len(sha) > n {
		return sha[:n]
	}
	return sha
}
