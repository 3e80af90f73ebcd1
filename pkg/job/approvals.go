package job

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sgaunet/auto-merge/pkg/gitlab"
)

// restoreApprovals replays the approvals recorded before the branch was
// rewritten, impersonating each approver in turn. Nothing is done when the
// current approvals already suffice.
func (j *mergeJob) restoreApprovals(ctx context.Context) error {
	current, err := j.api.Approvals(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return fmt.Errorf("failed to fetch approvals of !%d: %w", j.mr.IID, err)
	}
	if current.Sufficient() {
		j.debug("Approvals are still sufficient, nothing to restore")
		return nil
	}

	names := j.approvals.ApproverUsernames()
	j.info(fmt.Sprintf("Restoring approvals of !%d by %s", j.mr.IID, strings.Join(names, ", ")))

	for i, approver := range j.approvals.ApproverIDs() {
		err := j.api.Approve(ctx, j.mr.ProjectID, j.mr.IID, approver)
		switch {
		case err == nil:
		case errors.Is(err, gitlab.Unauthorized):
			// approving twice, or approving one's own merge request
			j.warn(fmt.Sprintf("%s could not approve !%d again: %v", names[i], j.mr.IID, err))
		default:
			return fmt.Errorf("failed to re-approve !%d as %s: %w", j.mr.IID, names[i], err)
		}
	}
	return nil
}
