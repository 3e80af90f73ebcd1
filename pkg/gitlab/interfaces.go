package gitlab

import "context"

// API is the set of platform operations used by the scheduler and the merge
// job engine. Every failure wraps an *APIError when the platform answered.
type API interface {
	// CurrentUser returns the account owning the token.
	CurrentUser(ctx context.Context) (*User, error)

	// Version returns the server version, used for feature gating.
	Version(ctx context.Context) (Version, error)

	// MyProjects lists the projects the acting account can merge into.
	MyProjects(ctx context.Context) ([]Project, error)

	// Project fetches a single project.
	Project(ctx context.Context, projectID int64) (*Project, error)

	// AssignedMergeRequests lists open merge requests assigned to userID.
	AssignedMergeRequests(ctx context.Context, userID int64, orderBy string) ([]MergeRequest, error)

	// MergeRequest re-fetches a merge request.
	MergeRequest(ctx context.Context, projectID, iid int64) (*MergeRequest, error)

	// Approvals fetches the approval state of a merge request.
	Approvals(ctx context.Context, projectID, iid int64) (*Approvals, error)

	// Approve approves a merge request impersonating asUser.
	Approve(ctx context.Context, projectID, iid, asUser int64) error

	// Accept merges a merge request.
	Accept(ctx context.Context, projectID, iid int64, opts AcceptOptions) (*MergeRequest, error)

	// Rebase triggers a platform-side rebase.
	Rebase(ctx context.Context, projectID, iid int64) error

	// Comment posts a note on a merge request.
	Comment(ctx context.Context, projectID, iid int64, body string) error

	// Reassign replaces the assignees of a merge request.
	Reassign(ctx context.Context, projectID, iid int64, assigneeIDs []int64) error

	// Branch fetches a branch, including its tip commit.
	Branch(ctx context.Context, projectID int64, name string) (*Branch, error)

	// MergeRequestPipelines lists pipelines of a merge request, newest first.
	MergeRequestPipelines(ctx context.Context, projectID, iid int64) ([]Pipeline, error)

	// BranchPipelines lists pipelines of a ref, newest first.
	BranchPipelines(ctx context.Context, projectID int64, ref, status string) ([]Pipeline, error)

	// CancelPipeline cancels a pipeline.
	CancelPipeline(ctx context.Context, projectID, pipelineID int64) error
}
