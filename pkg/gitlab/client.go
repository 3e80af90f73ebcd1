package gitlab

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"

	"github.com/sgaunet/bullets"
)

// Client exposes the resource accessors on top of a Gateway.
type Client struct {
	gw *Gateway
}

var _ API = (*Client)(nil)

// NewClient wraps gw.
func NewClient(gw *Gateway) *Client {
	return &Client{gw: gw}
}

// SetLogger sets the logger of the underlying gateway.
func (c *Client) SetLogger(logger *bullets.Logger) {
	c.gw.SetLogger(logger)
}

// Gateway returns the underlying gateway.
func (c *Client) Gateway() *Gateway {
	return c.gw
}

type projectsQuery struct {
	Membership               bool `url:"membership"`
	WithMergeRequestsEnabled bool `url:"with_merge_requests_enabled"`
	Archived                 bool `url:"archived"`
	MinAccessLevel           int  `url:"min_access_level"`
}

type mergeRequestsQuery struct {
	State      string `url:"state"`
	Scope      string `url:"scope"`
	AssigneeID int64  `url:"assignee_id"`
	OrderBy    string `url:"order_by"`
	Sort       string `url:"sort"`
}

type mergeRequestQuery struct {
	IncludeRebaseInProgress bool `url:"include_rebase_in_progress"`
}

type pipelinesQuery struct {
	Ref     string `url:"ref"`
	Status  string `url:"status,omitempty"`
	OrderBy string `url:"order_by"`
	Sort    string `url:"sort"`
}

type noteBody struct {
	Body string `json:"body"`
}

type assigneesBody struct {
	AssigneeIDs []int64 `json:"assignee_ids"`
}

// CurrentUser returns the account owning the token.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.get(ctx, Get("user", nil), &user); err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &user, nil
}

// Version returns the server version.
func (c *Client) Version(ctx context.Context) (Version, error) {
	return c.gw.Version(ctx)
}

// MyProjects lists every non-archived project where the acting account is at
// least a developer.
func (c *Client) MyProjects(ctx context.Context) ([]Project, error) {
	cmd := Get("projects", &projectsQuery{
		Membership:               true,
		WithMergeRequestsEnabled: true,
		Archived:                 false,
		MinAccessLevel:           int(DeveloperAccess),
	})
	projects, err := collect[Project](ctx, c.gw, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// Project fetches a project by id.
func (c *Client) Project(ctx context.Context, projectID int64) (*Project, error) {
	var project Project
	if err := c.get(ctx, Get(fmt.Sprintf("projects/%d", projectID), nil), &project); err != nil {
		return nil, fmt.Errorf("failed to get project %d: %w", projectID, err)
	}
	return &project, nil
}

// AssignedMergeRequests lists the open merge requests assigned to userID
// across all projects, oldest first according to orderBy.
func (c *Client) AssignedMergeRequests(ctx context.Context, userID int64, orderBy string) ([]MergeRequest, error) {
	cmd := Get("merge_requests", &mergeRequestsQuery{
		State:      StateOpened,
		Scope:      "all",
		AssigneeID: userID,
		OrderBy:    orderBy,
		Sort:       "asc",
	})
	mrs, err := collect[MergeRequest](ctx, c.gw, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned merge requests: %w", err)
	}
	return mrs, nil
}

// MergeRequest fetches a merge request, including its rebase progress.
func (c *Client) MergeRequest(ctx context.Context, projectID, iid int64) (*MergeRequest, error) {
	var mr MergeRequest
	cmd := Get(mrPath(projectID, iid, ""), &mergeRequestQuery{IncludeRebaseInProgress: true})
	if err := c.get(ctx, cmd, &mr); err != nil {
		return nil, fmt.Errorf("failed to get merge request !%d: %w", iid, err)
	}
	return &mr, nil
}

// Approvals fetches the approval state of a merge request.
func (c *Client) Approvals(ctx context.Context, projectID, iid int64) (*Approvals, error) {
	var approvals Approvals
	if err := c.get(ctx, Get(mrPath(projectID, iid, "approvals"), nil), &approvals); err != nil {
		return nil, fmt.Errorf("failed to get approvals of !%d: %w", iid, err)
	}
	return &approvals, nil
}

// Approve approves a merge request impersonating asUser.
func (c *Client) Approve(ctx context.Context, projectID, iid, asUser int64) error {
	if _, err := c.gw.Call(ctx, Post(mrPath(projectID, iid, "approve"), nil), ActingAs(asUser)); err != nil {
		return fmt.Errorf("failed to approve !%d as user %d: %w", iid, asUser, err)
	}
	return nil
}

// Accept merges a merge request. Platform refusals are returned unwrapped so
// that callers can classify them by Kind.
func (c *Client) Accept(ctx context.Context, projectID, iid int64, opts AcceptOptions) (*MergeRequest, error) {
	result, err := c.gw.Call(ctx, Put(mrPath(projectID, iid, "merge"), &opts))
	if err != nil {
		return nil, err
	}
	var mr MergeRequest
	if err := result.Decode(&mr); err != nil && !result.NoContent() {
		return nil, err
	}
	return &mr, nil
}

// Rebase asks the platform to rebase the source branch onto the target.
func (c *Client) Rebase(ctx context.Context, projectID, iid int64) error {
	if _, err := c.gw.Call(ctx, Put(mrPath(projectID, iid, "rebase"), nil)); err != nil {
		return fmt.Errorf("failed to request rebase of !%d: %w", iid, err)
	}
	return nil
}

// Comment posts a note on a merge request.
func (c *Client) Comment(ctx context.Context, projectID, iid int64, body string) error {
	if _, err := c.gw.Call(ctx, Post(mrPath(projectID, iid, "notes"), &noteBody{Body: body})); err != nil {
		return fmt.Errorf("failed to comment on !%d: %w", iid, err)
	}
	return nil
}

// Reassign replaces the assignees of a merge request; an empty list
// unassigns everybody.
func (c *Client) Reassign(ctx context.Context, projectID, iid int64, assigneeIDs []int64) error {
	if assigneeIDs == nil {
		assigneeIDs = []int64{}
	}
	cmd := Put(mrPath(projectID, iid, ""), &assigneesBody{AssigneeIDs: assigneeIDs})
	if _, err := c.gw.Call(ctx, cmd); err != nil {
		return fmt.Errorf("failed to reassign !%d: %w", iid, err)
	}
	return nil
}

// Branch fetches a branch by name.
func (c *Client) Branch(ctx context.Context, projectID int64, name string) (*Branch, error) {
	var branch Branch
	path := fmt.Sprintf("projects/%d/repository/branches/%s", projectID, url.PathEscape(name))
	if err := c.get(ctx, Get(path, nil), &branch); err != nil {
		return nil, fmt.Errorf("failed to get branch %s: %w", name, err)
	}
	return &branch, nil
}

// MergeRequestPipelines lists the pipelines of a merge request, newest first.
func (c *Client) MergeRequestPipelines(ctx context.Context, projectID, iid int64) ([]Pipeline, error) {
	var pipelines []Pipeline
	if err := c.get(ctx, Get(mrPath(projectID, iid, "pipelines"), nil), &pipelines); err != nil {
		return nil, fmt.Errorf("failed to list pipelines of !%d: %w", iid, err)
	}
	slices.SortFunc(pipelines, func(a, b Pipeline) int { return cmp.Compare(b.ID, a.ID) })
	for i := range pipelines {
		pipelines[i].ProjectID = projectID
	}
	return pipelines, nil
}

// BranchPipelines lists the pipelines of a ref, newest first, optionally
// filtered by status.
func (c *Client) BranchPipelines(ctx context.Context, projectID int64, ref, status string) ([]Pipeline, error) {
	var pipelines []Pipeline
	cmd := Get(fmt.Sprintf("projects/%d/pipelines", projectID), &pipelinesQuery{
		Ref:     ref,
		Status:  status,
		OrderBy: "id",
		Sort:    "desc",
	})
	if err := c.get(ctx, cmd, &pipelines); err != nil {
		return nil, fmt.Errorf("failed to list pipelines of %s: %w", ref, err)
	}
	for i := range pipelines {
		pipelines[i].ProjectID = projectID
	}
	return pipelines, nil
}

// CancelPipeline cancels a running pipeline.
func (c *Client) CancelPipeline(ctx context.Context, projectID, pipelineID int64) error {
	path := fmt.Sprintf("projects/%d/pipelines/%d/cancel", projectID, pipelineID)
	if _, err := c.gw.Call(ctx, Post(path, nil)); err != nil {
		return fmt.Errorf("failed to cancel pipeline %d: %w", pipelineID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, cmd Command, v any) error {
	result, err := c.gw.Call(ctx, cmd)
	if err != nil {
		return err
	}
	return result.Decode(v)
}

func collect[T any](ctx context.Context, gw *Gateway, cmd Command) ([]T, error) {
	raw, err := gw.CollectAllPages(ctx, cmd)
	if err != nil {
		return nil, err
	}

	items := make([]T, 0, len(raw))
	for _, r := range raw {
		var item T
		if err := json.Unmarshal(r, &item); err != nil {
			return nil, fmt.Errorf("failed to decode item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func mrPath(projectID, iid int64, suffix string) string {
	path := fmt.Sprintf("projects/%d/merge_requests/%d", projectID, iid)
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}
