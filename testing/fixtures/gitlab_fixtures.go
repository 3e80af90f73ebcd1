// Package fixtures provides common test data structures for testing.
package fixtures

import (
	"fmt"

	"github.com/sgaunet/auto-merge/pkg/gitlab"
)

// Identifiers shared by the fixtures.
const (
	BotID      int64 = 1
	AuthorID   int64 = 2
	ReviewerID int64 = 3
	ProjectID  int64 = 10
	ForkID     int64 = 11
	MRIID      int64 = 42

	SourceBranch = "feature"
	TargetBranch = "main"

	// BaseSHA is the target tip the merge request was created on.
	BaseSHA = "1111111111111111111111111111111111111111"
	// HeadSHA is the source tip of the merge request.
	HeadSHA = "2222222222222222222222222222222222222222"
	// MovedSHA is a newer target tip.
	MovedSHA = "3333333333333333333333333333333333333333"
	// RebasedSHA is HeadSHA rebased onto MovedSHA.
	RebasedSHA = "4444444444444444444444444444444444444444"
	// IntruderSHA is pushed by someone else.
	IntruderSHA = "5555555555555555555555555555555555555555"
)

// Bot returns the administrator account the daemon runs as.
func Bot() *gitlab.User {
	return &gitlab.User{ID: BotID, Username: "auto-merge", Name: "Auto Merge", IsAdmin: true}
}

// Author returns the author of the fixture merge request.
func Author() gitlab.User {
	return gitlab.User{ID: AuthorID, Username: "alice", Name: "Alice"}
}

// Project returns a project the bot is a developer of.
func Project() *gitlab.Project {
	return &gitlab.Project{
		ID:                   ProjectID,
		PathWithNamespace:    "team/app",
		DefaultBranch:        TargetBranch,
		SSHURLToRepo:         "git@gitlab.example.com:team/app.git",
		HTTPURLToRepo:        "https://gitlab.example.com/team/app.git",
		MergeRequestsEnabled: true,
		Permissions: gitlab.Permissions{
			ProjectAccess: &gitlab.Permission{AccessLevel: gitlab.DeveloperAccess},
		},
	}
}

// Fork returns a fork of Project.
func Fork() *gitlab.Project {
	p := Project()
	p.ID = ForkID
	p.PathWithNamespace = "alice/app"
	p.SSHURLToRepo = "git@gitlab.example.com:alice/app.git"
	p.HTTPURLToRepo = "https://gitlab.example.com/alice/app.git"
	return p
}

// MergeRequest returns an open merge request assigned to the bot, based on
// the current target tip.
func MergeRequest() *gitlab.MergeRequest {
	return &gitlab.MergeRequest{
		ID:              1000 + MRIID,
		IID:             MRIID,
		ProjectID:       ProjectID,
		SourceProjectID: ProjectID,
		TargetProjectID: ProjectID,
		Title:           "Add feature",
		SourceBranch:    SourceBranch,
		TargetBranch:    TargetBranch,
		SHA:             HeadSHA,
		State:           gitlab.StateOpened,
		MergeStatus:     "can_be_merged",
		Author:          Author(),
		Assignees:       []gitlab.User{{ID: BotID, Username: "auto-merge"}},
		DiffRefs:        &gitlab.DiffRefs{BaseSHA: BaseSHA, HeadSHA: HeadSHA, StartSHA: BaseSHA},
		WebURL:          fmt.Sprintf("https://gitlab.example.com/team/app/-/merge_requests/%d", MRIID),
	}
}

// Approvals returns approvals given by approvers, with required approvals.
func Approvals(required int, approvers ...int64) *gitlab.Approvals {
	a := &gitlab.Approvals{
		IID:               MRIID,
		ProjectID:         ProjectID,
		ApprovalsRequired: required,
		ApprovalsLeft:     max(required-len(approvers), 0),
	}
	for _, id := range approvers {
		a.ApprovedBy = append(a.ApprovedBy, gitlab.Approver{
			User: gitlab.User{ID: id, Username: fmt.Sprintf("user%d", id)},
		})
	}
	return a
}

// Pipeline returns a merge request pipeline for sha.
func Pipeline(id int64, sha, status string) gitlab.Pipeline {
	return gitlab.Pipeline{
		ID:        id,
		ProjectID: ProjectID,
		Status:    status,
		Ref:       SourceBranch,
		SHA:       sha,
		WebURL:    fmt.Sprintf("https://gitlab.example.com/team/app/-/pipelines/%d", id),
	}
}
