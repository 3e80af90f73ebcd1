package job

import (
	"context"
	"fmt"

	"github.com/sgaunet/auto-merge/internal/clock"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
)

// waitForCI blocks until the newest merge request pipeline testing sha
// succeeds. Any other terminal status, or CITimeout, refuses the merge.
func (j *mergeJob) waitForCI(ctx context.Context, sha string) error {
	j.info(fmt.Sprintf("Waiting for CI to pass on %s", shortSHA(sha)))
	start := j.clock.Now()
	deadline := start.Add(j.opts.CITimeout)

	for {
		status, err := j.pipelineStatus(ctx, sha)
		if err != nil {
			return err
		}

		switch status {
		case gitlab.PipelineSuccess:
			j.info("CI passed after " + clock.FormatDuration(j.clock.Now().Sub(start)))
			return nil
		case gitlab.PipelineFailed:
			return cannotMerge("CI failed!")
		case gitlab.PipelineCanceled:
			return cannotMerge("Someone canceled the CI.")
		case gitlab.PipelineSkipped:
			return cannotMerge("CI was skipped.")
		case "":
			j.debug("No pipeline for " + shortSHA(sha) + " yet")
		default:
			j.debug("CI is " + status)
		}

		if !j.clock.Now().Before(deadline) {
			return cannotMerge("CI is taking too long.")
		}
		if err := j.clock.Sleep(ctx, j.opts.CIPollInterval); err != nil {
			return err
		}
	}
}

// pipelineStatus is the status of the newest pipeline for sha, or "" when
// there is none.
func (j *mergeJob) pipelineStatus(ctx context.Context, sha string) (string, error) {
	pipelines, err := j.api.MergeRequestPipelines(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return "", fmt.Errorf("failed to list pipelines of !%d: %w", j.mr.IID, err)
	}
	for _, p := range pipelines {
		if p.SHA == sha {
			return p.Status, nil
		}
	}
	return "", nil
}

// settle waits, a bounded number of times, for GitLab to finish computing
// whether the merge request can be merged. Running out of polls is not an
// error: the accept call gives the final word.
func (j *mergeJob) settle(ctx context.Context) {
	for i := 0; i < j.opts.SettleAttempts; i++ {
		mr, err := j.api.MergeRequest(ctx, j.mr.ProjectID, j.mr.IID)
		if err != nil {
			j.warn(fmt.Sprintf("Failed to check the merge status of !%d: %v", j.mr.IID, err))
			return
		}
		switch mr.MergeStatus {
		case gitlab.MergeStatusUnchecked, gitlab.MergeStatusChecking, gitlab.MergeStatusRecheck:
		default:
			return
		}
		j.debug("Merge status is " + mr.MergeStatus + ", waiting")
		if err := j.clock.Sleep(ctx, j.opts.SettleInterval); err != nil {
			return
		}
	}
	j.info(fmt.Sprintf("Merge status of !%d did not settle, trying anyway", j.mr.IID))
}
