// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sgaunet/auto-merge/pkg/gitlab"
)

// MethodCall represents a recorded method call.
type MethodCall struct {
	Method string
	Args   map[string]any
}

// GitLabAPI is a stateful, call-tracking implementation of gitlab.API.
//
// It keeps a single merge request, its approvals, a set of branches and
// pipelines. Mutating calls update that state the way GitLab would, so tests
// describe a scenario by seeding state and, where needed, by reacting to
// calls through OnCall.
type GitLabAPI struct {
	mu    sync.Mutex
	calls []MethodCall

	User      *gitlab.User
	UserError error

	VersionResponse gitlab.Version
	VersionError    error

	Projects         map[int64]*gitlab.Project
	MyProjectsError  error
	ProjectError     error
	myProjectsCalled int

	// Assigned is returned by AssignedMergeRequests; when nil the tracked
	// merge request is returned while it is open and assigned.
	Assigned      []gitlab.MergeRequest
	AssignedError error

	MR              *gitlab.MergeRequest
	MergeRequestErr error

	ApprovalsState *gitlab.Approvals
	ApprovalsError error
	// ApproveErrors fails Approve for specific impersonated users.
	ApproveErrors map[int64]error

	// AcceptErrors are returned by successive Accept calls; once exhausted
	// Accept succeeds.
	AcceptErrors []error
	// StatesAfterAccept are taken by successive MergeRequest calls after a
	// successful Accept. When nil the merge request is merged immediately.
	StatesAfterAccept []string
	accepted          bool

	// RebasedSHA is the head GitLab produces when asked to rebase.
	RebasedSHA  string
	RebaseError error
	// RebasePolls is how many MergeRequest calls still see the rebase
	// in progress after Rebase.
	RebasePolls int
	// RebaseMergeError is reported once the rebase finished.
	RebaseMergeError string

	// ResetApprovalsOnPush drops every approval whenever the source branch
	// is rewritten.
	ResetApprovalsOnPush bool

	Branches    map[string]*gitlab.Branch
	CommentErr  error
	Comments    []string
	ReassignErr error

	Pipelines           []gitlab.Pipeline
	PipelinesError      error
	BranchPipelineList  []gitlab.Pipeline
	CancelPipelineError error

	// OnCall runs after a call is recorded and before it is answered.
	OnCall func(method string)
}

// NewGitLabAPI creates a mock with empty state.
func NewGitLabAPI() *GitLabAPI {
	return &GitLabAPI{
		calls:         make([]MethodCall, 0),
		Projects:      make(map[int64]*gitlab.Project),
		Branches:      make(map[string]*gitlab.Branch),
		ApproveErrors: make(map[int64]error),
	}
}

func branchKey(projectID int64, name string) string {
	return fmt.Sprintf("%d/%s", projectID, name)
}

func notFound(method, path string) error {
	return &gitlab.APIError{
		Kind:       gitlab.NotFound,
		StatusCode: http.StatusNotFound,
		Message:    "404 Not found",
		Method:     method,
		Path:       path,
	}
}

// SetBranch sets the tip of a branch.
func (m *GitLabAPI) SetBranch(projectID int64, name, sha string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setBranch(projectID, name, sha)
}

func (m *GitLabAPI) setBranch(projectID int64, name, sha string) {
	if b, ok := m.Branches[branchKey(projectID, name)]; ok {
		b.Commit.ID = sha
		return
	}
	m.Branches[branchKey(projectID, name)] = &gitlab.Branch{Name: name, Commit: gitlab.Commit{ID: sha}}
}

// BranchTip returns the tip of a branch, or "" when unknown.
func (m *GitLabAPI) BranchTip(projectID int64, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.Branches[branchKey(projectID, name)]; ok {
		return b.Commit.ID
	}
	return ""
}

// PushSource simulates a rewrite of the source branch: the branch tip and
// the merge request head move to sha and the merge request is now based on
// the target tip.
func (m *GitLabAPI) PushSource(sha string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushSource(sha)
}

func (m *GitLabAPI) pushSource(sha string) {
	m.setBranch(m.sourceProjectID(), m.MR.SourceBranch, sha)
	m.MR.SHA = sha
	m.rebaseOnTarget()
	if m.ResetApprovalsOnPush {
		m.resetApprovals()
	}
}

// UpdateMR mutates the tracked merge request.
func (m *GitLabAPI) UpdateMR(fn func(mr *gitlab.MergeRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.MR)
}

func (m *GitLabAPI) resetApprovals() {
	if m.ApprovalsState == nil {
		return
	}
	m.ApprovalsState.ApprovedBy = nil
	m.ApprovalsState.ApprovalsLeft = m.ApprovalsState.ApprovalsRequired
}

func (m *GitLabAPI) rebaseOnTarget() {
	if b, ok := m.Branches[branchKey(m.MR.ProjectID, m.MR.TargetBranch)]; ok {
		if m.MR.DiffRefs == nil {
			m.MR.DiffRefs = &gitlab.DiffRefs{}
		}
		m.MR.DiffRefs.BaseSHA = b.Commit.ID
	}
}

func (m *GitLabAPI) sourceProjectID() int64 {
	if m.MR.SourceProjectID != 0 {
		return m.MR.SourceProjectID
	}
	return m.MR.ProjectID
}

// CurrentUser implements gitlab.API.
func (m *GitLabAPI) CurrentUser(_ context.Context) (*gitlab.User, error) {
	m.trackCall("CurrentUser", map[string]any{})
	return m.User, m.UserError
}

// Version implements gitlab.API.
func (m *GitLabAPI) Version(_ context.Context) (gitlab.Version, error) {
	m.trackCall("Version", map[string]any{})
	return m.VersionResponse, m.VersionError
}

// MyProjects implements gitlab.API.
func (m *GitLabAPI) MyProjects(_ context.Context) ([]gitlab.Project, error) {
	m.trackCall("MyProjects", map[string]any{})
	m.mu.Lock()
	defer m.mu.Unlock()
	m.myProjectsCalled++
	if m.MyProjectsError != nil {
		return nil, m.MyProjectsError
	}
	projects := make([]gitlab.Project, 0, len(m.Projects))
	for _, p := range m.Projects {
		projects = append(projects, *p)
	}
	return projects, nil
}

// Project implements gitlab.API.
func (m *GitLabAPI) Project(_ context.Context, projectID int64) (*gitlab.Project, error) {
	m.trackCall("Project", map[string]any{"projectID": projectID})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProjectError != nil {
		return nil, m.ProjectError
	}
	p, ok := m.Projects[projectID]
	if !ok {
		return nil, notFound(http.MethodGet, fmt.Sprintf("projects/%d", projectID))
	}
	cp := *p
	return &cp, nil
}

// AssignedMergeRequests implements gitlab.API.
func (m *GitLabAPI) AssignedMergeRequests(_ context.Context, userID int64, orderBy string) ([]gitlab.MergeRequest, error) {
	m.trackCall("AssignedMergeRequests", map[string]any{"userID": userID, "orderBy": orderBy})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AssignedError != nil {
		return nil, m.AssignedError
	}
	if m.Assigned != nil {
		return append([]gitlab.MergeRequest{}, m.Assigned...), nil
	}
	if m.MR != nil && m.MR.State == gitlab.StateOpened && m.MR.IsAssignedTo(userID) {
		return []gitlab.MergeRequest{*m.MR}, nil
	}
	return []gitlab.MergeRequest{}, nil
}

// MergeRequest implements gitlab.API.
func (m *GitLabAPI) MergeRequest(_ context.Context, projectID, iid int64) (*gitlab.MergeRequest, error) {
	m.trackCall("MergeRequest", map[string]any{"projectID": projectID, "iid": iid})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MergeRequestErr != nil {
		return nil, m.MergeRequestErr
	}

	switch {
	case m.MR.RebaseInProgress && m.RebasePolls > 0:
		m.RebasePolls--
	case m.MR.RebaseInProgress:
		m.MR.RebaseInProgress = false
		m.MR.MergeError = m.RebaseMergeError
		if m.RebaseMergeError == "" {
			m.pushSource(m.RebasedSHA)
		}
	case m.accepted && len(m.StatesAfterAccept) > 0:
		m.MR.State = m.StatesAfterAccept[0]
		m.StatesAfterAccept = m.StatesAfterAccept[1:]
	}

	return m.snapshot(), nil
}

func (m *GitLabAPI) snapshot() *gitlab.MergeRequest {
	cp := *m.MR
	cp.Assignees = append([]gitlab.User{}, m.MR.Assignees...)
	if m.MR.DiffRefs != nil {
		refs := *m.MR.DiffRefs
		cp.DiffRefs = &refs
	}
	return &cp
}

// Approvals implements gitlab.API.
func (m *GitLabAPI) Approvals(_ context.Context, projectID, iid int64) (*gitlab.Approvals, error) {
	m.trackCall("Approvals", map[string]any{"projectID": projectID, "iid": iid})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApprovalsError != nil {
		return nil, m.ApprovalsError
	}
	if m.ApprovalsState == nil {
		return &gitlab.Approvals{IID: iid, ProjectID: projectID}, nil
	}
	cp := *m.ApprovalsState
	cp.ApprovedBy = append([]gitlab.Approver{}, m.ApprovalsState.ApprovedBy...)
	return &cp, nil
}

// Approve implements gitlab.API. A successful call adds asUser to the
// approvers and consumes one required approval.
func (m *GitLabAPI) Approve(_ context.Context, projectID, iid, asUser int64) error {
	m.trackCall("Approve", map[string]any{"projectID": projectID, "iid": iid, "asUser": asUser})
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ApproveErrors[asUser]; err != nil {
		return err
	}
	if m.ApprovalsState == nil {
		return nil
	}
	for _, a := range m.ApprovalsState.ApprovedBy {
		if a.User.ID == asUser {
			return nil
		}
	}
	m.ApprovalsState.ApprovedBy = append(m.ApprovalsState.ApprovedBy, gitlab.Approver{User: gitlab.User{ID: asUser}})
	if m.ApprovalsState.ApprovalsLeft > 0 {
		m.ApprovalsState.ApprovalsLeft--
	}
	return nil
}

// Accept implements gitlab.API.
func (m *GitLabAPI) Accept(_ context.Context, projectID, iid int64, opts gitlab.AcceptOptions) (*gitlab.MergeRequest, error) {
	m.trackCall("Accept", map[string]any{
		"projectID":                 projectID,
		"iid":                       iid,
		"sha":                       opts.SHA,
		"shouldRemoveSourceBranch":  opts.ShouldRemoveSourceBranch,
		"mergeWhenPipelineSucceeds": opts.MergeWhenPipelineSucceeds,
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.AcceptErrors) > 0 {
		err := m.AcceptErrors[0]
		m.AcceptErrors = m.AcceptErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	m.accepted = true
	if m.StatesAfterAccept == nil {
		m.MR.State = gitlab.StateMerged
	}
	return m.snapshot(), nil
}

// Rebase implements gitlab.API.
func (m *GitLabAPI) Rebase(_ context.Context, projectID, iid int64) error {
	m.trackCall("Rebase", map[string]any{"projectID": projectID, "iid": iid})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RebaseError != nil {
		return m.RebaseError
	}
	m.MR.RebaseInProgress = true
	return nil
}

// Comment implements gitlab.API.
func (m *GitLabAPI) Comment(_ context.Context, projectID, iid int64, body string) error {
	m.trackCall("Comment", map[string]any{"projectID": projectID, "iid": iid, "body": body})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommentErr != nil {
		return m.CommentErr
	}
	m.Comments = append(m.Comments, body)
	return nil
}

// Reassign implements gitlab.API.
func (m *GitLabAPI) Reassign(_ context.Context, projectID, iid int64, assigneeIDs []int64) error {
	m.trackCall("Reassign", map[string]any{"projectID": projectID, "iid": iid, "assigneeIDs": assigneeIDs})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReassignErr != nil {
		return m.ReassignErr
	}
	if m.MR != nil {
		m.MR.Assignees = make([]gitlab.User, 0, len(assigneeIDs))
		for _, id := range assigneeIDs {
			m.MR.Assignees = append(m.MR.Assignees, gitlab.User{ID: id})
		}
	}
	return nil
}

// Branch implements gitlab.API.
func (m *GitLabAPI) Branch(_ context.Context, projectID int64, name string) (*gitlab.Branch, error) {
	m.trackCall("Branch", map[string]any{"projectID": projectID, "name": name})
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Branches[branchKey(projectID, name)]
	if !ok {
		return nil, notFound(http.MethodGet, fmt.Sprintf("projects/%d/repository/branches/%s", projectID, name))
	}
	cp := *b
	return &cp, nil
}

// MergeRequestPipelines implements gitlab.API.
func (m *GitLabAPI) MergeRequestPipelines(_ context.Context, projectID, iid int64) ([]gitlab.Pipeline, error) {
	m.trackCall("MergeRequestPipelines", map[string]any{"projectID": projectID, "iid": iid})
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gitlab.Pipeline{}, m.Pipelines...), m.PipelinesError
}

// BranchPipelines implements gitlab.API.
func (m *GitLabAPI) BranchPipelines(_ context.Context, projectID int64, ref, status string) ([]gitlab.Pipeline, error) {
	m.trackCall("BranchPipelines", map[string]any{"projectID": projectID, "ref": ref, "status": status})
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gitlab.Pipeline
	for _, p := range m.BranchPipelineList {
		if p.Ref == ref && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	return out, nil
}

// CancelPipeline implements gitlab.API.
func (m *GitLabAPI) CancelPipeline(_ context.Context, projectID, pipelineID int64) error {
	m.trackCall("CancelPipeline", map[string]any{"projectID": projectID, "pipelineID": pipelineID})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelPipelineError != nil {
		return m.CancelPipelineError
	}
	for i := range m.BranchPipelineList {
		if m.BranchPipelineList[i].ID == pipelineID {
			m.BranchPipelineList[i].Status = gitlab.PipelineCanceled
		}
	}
	return nil
}

// MyProjectsCalls returns how many times MyProjects was called.
func (m *GitLabAPI) MyProjectsCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.myProjectsCalled
}

// GetCalls returns all recorded method calls.
func (m *GitLabAPI) GetCalls() []MethodCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MethodCall{}, m.calls...)
}

// GetCallCount returns the number of times a method was called.
func (m *GitLabAPI) GetCallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, call := range m.calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

// GetLastCall returns the last call to a method, or nil.
func (m *GitLabAPI) GetLastCall(method string) *MethodCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Method == method {
			call := m.calls[i]
			return &call
		}
	}
	return nil
}

// Methods returns the recorded method names in call order.
func (m *GitLabAPI) Methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.calls))
	for _, call := range m.calls {
		names = append(names, call.Method)
	}
	return names
}

// Reset clears all recorded calls.
func (m *GitLabAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make([]MethodCall, 0)
}

// trackCall records a method call with its arguments, then runs OnCall.
func (m *GitLabAPI) trackCall(method string, args map[string]any) {
	m.mu.Lock()
	m.calls = append(m.calls, MethodCall{
		Method: method,
		Args:   args,
	})
	hook := m.OnCall
	m.mu.Unlock()

	if hook != nil {
		hook(method)
	}
}

// Ensure GitLabAPI implements gitlab.API interface.
var _ gitlab.API = (*GitLabAPI)(nil)
