package gitlab

// Merge request lifecycle states.
const (
	StateOpened   = "opened"
	StateReopened = "reopened"
	StateLocked   = "locked"
	StateMerged   = "merged"
	StateClosed   = "closed"
)

// Pipeline statuses consumed by the daemon.
const (
	PipelineCreated  = "created"
	PipelinePending  = "pending"
	PipelineRunning  = "running"
	PipelineSuccess  = "success"
	PipelineFailed   = "failed"
	PipelineCanceled = "canceled"
	PipelineSkipped  = "skipped"
	PipelineManual   = "manual"
)

// Merge status values that mean GitLab is still computing mergeability.
const (
	MergeStatusUnchecked = "unchecked"
	MergeStatusChecking  = "checking"
	MergeStatusRecheck   = "cannot_be_merged_recheck"
)

// AccessLevel is a project or group membership level.
type AccessLevel int

// Access levels as documented by the members API.
const (
	NoAccess         AccessLevel = 0
	MinimalAccess    AccessLevel = 5
	GuestAccess      AccessLevel = 10
	ReporterAccess   AccessLevel = 20
	DeveloperAccess  AccessLevel = 30
	MaintainerAccess AccessLevel = 40
	OwnerAccess      AccessLevel = 50
)

// User is a GitLab account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	IsAdmin  bool   `json:"is_admin"`
}

// DiffRefs are the shas GitLab recorded when it computed the diff.
type DiffRefs struct {
	BaseSHA  string `json:"base_sha"`
	HeadSHA  string `json:"head_sha"`
	StartSHA string `json:"start_sha"`
}

// MergeRequest is a read-only view of a merge request.
type MergeRequest struct {
	ID                      int64     `json:"id"`
	IID                     int64     `json:"iid"`
	ProjectID               int64     `json:"project_id"`
	SourceProjectID         int64     `json:"source_project_id"`
	TargetProjectID         int64     `json:"target_project_id"`
	Title                   string    `json:"title"`
	SourceBranch            string    `json:"source_branch"`
	TargetBranch            string    `json:"target_branch"`
	SHA                     string    `json:"sha"`
	State                   string    `json:"state"`
	Draft                   bool      `json:"draft"`
	WorkInProgress          bool      `json:"work_in_progress"`
	ForceRemoveSourceBranch bool      `json:"force_remove_source_branch"`
	MergeStatus             string    `json:"merge_status"`
	DetailedMergeStatus     string    `json:"detailed_merge_status"`
	RebaseInProgress        bool      `json:"rebase_in_progress"`
	MergeError              string    `json:"merge_error"`
	Author                  User      `json:"author"`
	Assignees               []User    `json:"assignees"`
	DiffRefs                *DiffRefs `json:"diff_refs"`
	WebURL                  string    `json:"web_url"`
}

// IsDraft reports the draft flag, falling back to the legacy
// work_in_progress field sent by servers older than 13.2.
func (mr *MergeRequest) IsDraft() bool {
	return mr.Draft || mr.WorkInProgress
}

// BaseSHA is the target sha recorded at diff time, empty when unknown.
func (mr *MergeRequest) BaseSHA() string {
	if mr.DiffRefs == nil {
		return ""
	}
	return mr.DiffRefs.BaseSHA
}

// AssigneeIDs returns the ids of the current assignees.
func (mr *MergeRequest) AssigneeIDs() []int64 {
	ids := make([]int64, 0, len(mr.Assignees))
	for _, u := range mr.Assignees {
		ids = append(ids, u.ID)
	}
	return ids
}

// IsAssignedTo reports whether userID is among the assignees.
func (mr *MergeRequest) IsAssignedTo(userID int64) bool {
	for _, u := range mr.Assignees {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// Approver is one entry of the approved_by list.
type Approver struct {
	User User `json:"user"`
}

// Approvals is the approval state of a merge request.
type Approvals struct {
	IID               int64      `json:"iid"`
	ProjectID         int64      `json:"project_id"`
	ApprovalsRequired int        `json:"approvals_required"`
	ApprovalsLeft     int        `json:"approvals_left"`
	ApprovedBy        []Approver `json:"approved_by"`
}

// Sufficient reports whether no more approvals are needed.
func (a *Approvals) Sufficient() bool {
	return a.ApprovalsLeft <= 0
}

// ApproverIDs returns the approver user ids in server order.
func (a *Approvals) ApproverIDs() []int64 {
	ids := make([]int64, 0, len(a.ApprovedBy))
	for _, who := range a.ApprovedBy {
		ids = append(ids, who.User.ID)
	}
	return ids
}

// ApproverUsernames returns the approver usernames in server order.
func (a *Approvals) ApproverUsernames() []string {
	names := make([]string, 0, len(a.ApprovedBy))
	for _, who := range a.ApprovedBy {
		names = append(names, who.User.Username)
	}
	return names
}

// Permission holds one access level entry of a project's permissions.
type Permission struct {
	AccessLevel AccessLevel `json:"access_level"`
}

// Permissions are the acting account's memberships on a project.
type Permissions struct {
	ProjectAccess *Permission `json:"project_access"`
	GroupAccess   *Permission `json:"group_access"`
}

// Project is a read-only view of a project.
type Project struct {
	ID                                        int64       `json:"id"`
	PathWithNamespace                         string      `json:"path_with_namespace"`
	DefaultBranch                             string      `json:"default_branch"`
	SSHURLToRepo                              string      `json:"ssh_url_to_repo"`
	HTTPURLToRepo                             string      `json:"http_url_to_repo"`
	MergeRequestsEnabled                      bool        `json:"merge_requests_enabled"`
	OnlyAllowMergeIfPipelineSucceeds          bool        `json:"only_allow_merge_if_pipeline_succeeds"`
	OnlyAllowMergeIfAllDiscussionsAreResolved bool        `json:"only_allow_merge_if_all_discussions_are_resolved"`
	Permissions                               Permissions `json:"permissions"`
}

// AccessLevel is the effective access of the acting account: the higher of
// the project and group memberships.
func (p *Project) AccessLevel() AccessLevel {
	level := NoAccess
	if p.Permissions.ProjectAccess != nil {
		level = p.Permissions.ProjectAccess.AccessLevel
	}
	if p.Permissions.GroupAccess != nil && p.Permissions.GroupAccess.AccessLevel > level {
		level = p.Permissions.GroupAccess.AccessLevel
	}
	return level
}

// Commit is the minimal commit view embedded in branches.
type Commit struct {
	ID string `json:"id"`
}

// Branch is a repository branch.
type Branch struct {
	Name      string `json:"name"`
	Commit    Commit `json:"commit"`
	Protected bool   `json:"protected"`
}

// Pipeline is a CI pipeline.
type Pipeline struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Status    string `json:"status"`
	Ref       string `json:"ref"`
	SHA       string `json:"sha"`
	WebURL    string `json:"web_url"`
}

// AcceptOptions are the parameters of the merge (accept) call.
type AcceptOptions struct {
	SHA                       string `json:"sha"`
	ShouldRemoveSourceBranch  bool   `json:"should_remove_source_branch"`
	MergeWhenPipelineSucceeds bool   `json:"merge_when_pipeline_succeeds"`
}
