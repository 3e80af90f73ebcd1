package job_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sgaunet/auto-merge/internal/clock"
	"github.com/sgaunet/auto-merge/pkg/config"
	"github.com/sgaunet/auto-merge/pkg/git"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
	"github.com/sgaunet/auto-merge/pkg/job"
	"github.com/sgaunet/auto-merge/testing/fixtures"
	"github.com/sgaunet/auto-merge/testing/mocks"
	"github.com/sgaunet/bullets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenario is a merge request on an up-to-date target branch, approved and
// assigned to the bot. The workspace rebases HeadSHA onto MovedSHA.
type scenario struct {
	api   *mocks.GitLabAPI
	ws    *mocks.Workspace
	wsp   *mocks.WorkspaceProvider
	clock *clock.Fake
	user  *gitlab.User
	logs  bytes.Buffer
}

func newScenario(t *testing.T) *scenario {
	t.Helper()

	api := mocks.NewGitLabAPI()
	api.User = fixtures.Bot()
	api.Projects[fixtures.ProjectID] = fixtures.Project()
	api.MR = fixtures.MergeRequest()
	api.ApprovalsState = fixtures.Approvals(1, fixtures.ReviewerID)
	api.RebasedSHA = fixtures.RebasedSHA
	api.SetBranch(fixtures.ProjectID, fixtures.TargetBranch, fixtures.BaseSHA)
	api.SetBranch(fixtures.ProjectID, fixtures.SourceBranch, fixtures.HeadSHA)

	ws := mocks.NewWorkspace()
	ws.FuseResponse = &git.FuseResult{
		TargetSHA:  fixtures.MovedSHA,
		SourceSHA:  fixtures.HeadSHA,
		UpdatedSHA: fixtures.RebasedSHA,
	}
	ws.OnPush = func(string) { api.PushSource(fixtures.RebasedSHA) }

	return &scenario{
		api:   api,
		ws:    ws,
		wsp:   mocks.NewWorkspaceProvider(ws),
		clock: clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		user:  fixtures.Bot(),
	}
}

// moveTarget makes the target branch move away from the recorded base.
func (s *scenario) moveTarget() {
	s.api.SetBranch(fixtures.ProjectID, fixtures.TargetBranch, fixtures.MovedSHA)
}

func (s *scenario) engine(t *testing.T, opts job.Options) *job.Engine {
	t.Helper()
	e, err := job.NewEngine(job.Deps{
		API:        s.api,
		Workspaces: s.wsp,
		User:       s.user,
		Clock:      s.clock,
	}, opts)
	require.NoError(t, err)

	log := bullets.New(&s.logs)
	log.SetLevel(bullets.DebugLevel)
	e.SetLogger(log)
	return e
}

func (s *scenario) run(t *testing.T, opts job.Options) (job.Outcome, error) {
	t.Helper()
	return s.engine(t, opts).Run(context.Background(), fixtures.MergeRequest())
}

func (s *scenario) acceptedSHAs() []string {
	var shas []string
	for _, call := range s.api.GetCalls() {
		if call.Method == "Accept" {
			shas = append(shas, call.Args["sha"].(string))
		}
	}
	return shas
}

func (s *scenario) requireRejected(t *testing.T, outcome job.Outcome, err error, reason string) {
	t.Helper()
	require.NoError(t, err)
	assert.Equal(t, job.Rejected, outcome)
	require.NotEmpty(t, s.api.Comments)
	assert.Contains(t, s.api.Comments[len(s.api.Comments)-1], reason)

	reassign := s.api.GetLastCall("Reassign")
	require.NotNil(t, reassign)
	assert.Equal(t, []int64{fixtures.AuthorID}, reassign.Args["assigneeIDs"])
}

func apiError(kind gitlab.Kind, status int, message string) error {
	return &gitlab.APIError{
		Kind:       kind,
		StatusCode: status,
		Message:    message,
		Method:     http.MethodPut,
		Path:       "projects/10/merge_requests/42/merge",
	}
}

func TestNewEngine_Validation(t *testing.T) {
	api := mocks.NewGitLabAPI()
	wsp := mocks.NewWorkspaceProvider(mocks.NewWorkspace())
	admin := fixtures.Bot()
	user := &gitlab.User{ID: fixtures.BotID, Username: "auto-merge"}

	tests := []struct {
		name    string
		deps    job.Deps
		opts    job.Options
		wantErr error
	}{
		{
			name: "defaults",
			deps: job.Deps{API: api, Workspaces: wsp, User: user},
		},
		{
			name:    "reapprove needs admin",
			deps:    job.Deps{API: api, Workspaces: wsp, User: user},
			opts:    job.Options{Reapprove: true},
			wantErr: job.ErrReapproveNeedsAdmin,
		},
		{
			name: "reapprove as admin",
			deps: job.Deps{API: api, Workspaces: wsp, User: admin},
			opts: job.Options{Reapprove: true},
		},
		{
			name:    "api only needs gitlab rebase",
			deps:    job.Deps{API: api, User: user},
			opts:    job.Options{APIOnly: true, Fusion: config.FusionRebase},
			wantErr: job.ErrAPIOnlyFusion,
		},
		{
			name: "api only without workspaces",
			deps: job.Deps{API: api, User: user},
			opts: job.Options{APIOnly: true, Fusion: config.FusionGitLabRebase},
		},
		{
			name:    "local fuse needs workspaces",
			deps:    job.Deps{API: api, User: user},
			wantErr: job.ErrNoWorkspaces,
		},
		{
			name: "gitlab rebase on an old server",
			deps: job.Deps{API: api, Workspaces: wsp, User: user,
				Version: gitlab.Version{Release: []int{11, 5, 0}}},
			opts:    job.Options{Fusion: config.FusionGitLabRebase},
			wantErr: job.ErrRebaseUnsupported,
		},
		{
			name: "gitlab rebase on a recent server",
			deps: job.Deps{API: api, Workspaces: wsp, User: user,
				Version: gitlab.Version{Release: []int{16, 8, 1}, Edition: "ee"}},
			opts: job.Options{Fusion: config.FusionGitLabRebase},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := job.NewEngine(tt.deps, tt.opts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, e)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, e)
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Merge.Fusion = config.FusionMerge
	cfg.Merge.Reapprove = true
	cfg.Git.UseHTTPS = true
	cfg.Timeouts.CI = time.Hour

	opts := job.OptionsFromConfig(&cfg)
	assert.Equal(t, config.FusionMerge, opts.Fusion)
	assert.True(t, opts.Reapprove)
	assert.True(t, opts.UseHTTPS)
	assert.Equal(t, time.Hour, opts.CITimeout)
	assert.Equal(t, cfg.Merge.MaxAttempts, opts.MaxAttempts)
	assert.Equal(t, cfg.Intervals.Confirm, opts.ConfirmInterval)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "merged", job.Merged.String())
	assert.Equal(t, "skipped", job.Skipped.String())
	assert.Equal(t, "rejected", job.Rejected.String())
	assert.Equal(t, "failed", job.Failed.String())
	assert.Equal(t, "outcome(9)", job.Outcome(9).String())
}

func TestRun_UpToDateMergesWithoutFusing(t *testing.T) {
	s := newScenario(t)

	outcome, err := s.run(t, job.Options{})
	require.NoError(t, err)
	assert.Equal(t, job.Merged, outcome)

	assert.Equal(t, []string{fixtures.HeadSHA}, s.acceptedSHAs())
	assert.Zero(t, s.ws.GetCallCount("Fuse"))
	assert.Zero(t, s.ws.GetCallCount("Push"))
	assert.Zero(t, s.api.GetCallCount("Rebase"))
	assert.Empty(t, s.api.Comments)
	assert.Zero(t, s.api.GetCallCount("Reassign"))
}

func TestRun_MovedTargetIsFusedBeforeAccept(t *testing.T) {
	s := newScenario(t)
	s.moveTarget()

	outcome, err := s.run(t, job.Options{})
	require.NoError(t, err)
	assert.Equal(t, job.Merged, outcome)

	assert.Equal(t, 1, s.ws.GetCallCount("Fuse"))
	assert.Equal(t, 1, s.ws.GetCallCount("Push"))
	fuse := s.ws.GetLastCall("Fuse")
	assert.Equal(t, git.Rebase, fuse.Args["strategy"])
	assert.Equal(t, "", fuse.Args["sourceRepoURL"])
	assert.Equal(t, []string{fixtures.RebasedSHA}, s.acceptedSHAs())

	workspace := s.wsp.GetCalls()
	require.Len(t, workspace, 1)
	assert.Equal(t, "team/app", workspace[0].Args["project"])
	assert.Equal(t, "git@gitlab.example.com:team/app.git", workspace[0].Args["repoURL"])
}

func TestRun_MergeFusion(t *testing.T) {
	s := newScenario(t)
	s.moveTarget()

	outcome, err := s.run(t, job.Options{Fusion: config.FusionMerge})
	require.NoError(t, err)
	assert.Equal(t, job.Merged, outcome)
	assert.Equal(t, git.Merge, s.ws.GetLastCall("Fuse").Args["strategy"])
}

func TestRun_FuseWithNothingToDoDoesNotPush(t *testing.T) {
	s := newScenario(t)
	s.moveTarget()
	s.ws.FuseResponse.UpdatedSHA = fixtures.HeadSHA

	outcome, err := s.run(t, job.Options{})
	require.NoError(t, err)
	assert.Equal(t, job.Merged, outcome)
	assert.Zero(t, s.ws.GetCallCount("Push"))
	assert.Equal(t, []string{fixtures.HeadSHA}, s.acceptedSHAs())
}

func TestRun_PlatformRebase(t *testing.T) {
	t.Run("target moved", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.api.RebasePolls = 2

		outcome, err := s.run(t, job.Options{APIOnly: true, Fusion: config.FusionGitLabRebase})
		require.NoError(t, err)
		assert.Equal(t, job.Merged, outcome)

		assert.Equal(t, 1, s.api.GetCallCount("Rebase"))
		assert.Zero(t, s.ws.GetCallCount("Fuse"))
		assert.Equal(t, []string{fixtures.RebasedSHA}, s.acceptedSHAs())
		assert.Equal(t, []time.Duration{job.DefaultRebaseInterval, job.DefaultRebaseInterval}, s.clock.Sleeps())
	})

	t.Run("target unchanged", func(t *testing.T) {
		s := newScenario(t)

		outcome, err := s.run(t, job.Options{APIOnly: true, Fusion: config.FusionGitLabRebase})
		require.NoError(t, err)
		assert.Equal(t, job.Merged, outcome)
		assert.Zero(t, s.api.GetCallCount("Rebase"))
		assert.Equal(t, []string{fixtures.HeadSHA}, s.acceptedSHAs())
	})

	t.Run("rebase error reported by GitLab", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.api.RebaseMergeError = "Rebase failed: conflicts"

		outcome, err := s.run(t, job.Options{APIOnly: true, Fusion: config.FusionGitLabRebase})
		s.requireRejected(t, outcome, err, "GitLab failed to rebase the branch saying: Rebase failed: conflicts")
	})

	t.Run("rebase never finishes", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.api.RebasePolls = 1000

		outcome, err := s.run(t, job.Options{
			APIOnly:        true,
			Fusion:         config.FusionGitLabRebase,
			RebaseTimeout:  5 * time.Second,
			RebaseInterval: time.Second,
		})
		s.requireRejected(t, outcome, err, "GitLab was taking too long to rebase the branch...")
		assert.Len(t, s.clock.Sleeps(), 5)
	})

	t.Run("protected source branch", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.api.RebaseError = apiError(gitlab.Forbidden, http.StatusForbidden, "403 Forbidden")
		s.api.Branches["10/"+fixtures.SourceBranch].Protected = true

		outcome, err := s.run(t, job.Options{APIOnly: true, Fusion: config.FusionGitLabRebase})
		s.requireRejected(t, outcome, err, "Sorry, I can't modify protected branches!")
	})

	t.Run("refused rebase", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.api.RebaseError = apiError(gitlab.Forbidden, http.StatusForbidden, "403 Forbidden")

		outcome, err := s.run(t, job.Options{APIOnly: true, Fusion: config.FusionGitLabRebase})
		s.requireRejected(t, outcome, err, "GitLab refused to rebase the branch: 403 Forbidden")
	})
}

func TestRun_SourcePushedAfterSyncNeverAccepts(t *testing.T) {
	t.Run("during the fuse", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.OnPush = func(string) {
			s.api.PushSource(fixtures.RebasedSHA)
			s.api.SetBranch(fixtures.ProjectID, fixtures.SourceBranch, fixtures.IntruderSHA)
		}

		outcome, err := s.run(t, job.Options{})
		s.requireRejected(t, outcome, err, "Someone pushed to branch while we were trying to merge")
		assert.Zero(t, s.api.GetCallCount("Accept"))
	})

	t.Run("while waiting for CI", func(t *testing.T) {
		s := newScenario(t)
		s.api.Projects[fixtures.ProjectID].OnlyAllowMergeIfPipelineSucceeds = true
		s.api.Pipelines = []gitlab.Pipeline{fixtures.Pipeline(7, fixtures.HeadSHA, gitlab.PipelineSuccess)}
		s.api.OnCall = func(method string) {
			if method == "MergeRequestPipelines" {
				s.api.SetBranch(fixtures.ProjectID, fixtures.SourceBranch, fixtures.IntruderSHA)
			}
		}

		outcome, err := s.run(t, job.Options{})
		s.requireRejected(t, outcome, err, "Someone pushed to branch while we were trying to merge")
		assert.Zero(t, s.api.GetCallCount("Accept"))
	})
}

func TestRun_RebaseMismatch(t *testing.T) {
	const otherSHA = "6666666666666666666666666666666666666666"

	t.Run("first mismatch is retried silently", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.api.RebasedSHA = otherSHA

		outcome, err := s.run(t, job.Options{Fusion: config.FusionGitLabRebase})
		require.NoError(t, err)
		assert.Equal(t, job.Merged, outcome)

		assert.Empty(t, s.api.Comments)
		assert.Equal(t, 1, s.api.GetCallCount("Rebase"))
		assert.Zero(t, s.ws.GetCallCount("Push"))
		assert.Equal(t, []string{otherSHA}, s.acceptedSHAs())
	})

	t.Run("later mismatches are commented", func(t *testing.T) {
		s := newScenario(t)
		s.api.RebasedSHA = otherSHA
		moves := 0
		s.api.OnCall = func(method string) {
			if method == "Project" {
				moves++
				s.api.SetBranch(fixtures.ProjectID, fixtures.TargetBranch, strings.Repeat(string(rune('a'+moves)), 40))
			}
		}

		outcome, err := s.run(t, job.Options{Fusion: config.FusionGitLabRebase, MaxAttempts: 3})
		s.requireRejected(t, outcome, err, "gave up after 3 attempts")

		require.Len(t, s.api.Comments, 3)
		assert.Equal(t, "Someone skipped the queue! Will have to try again...", s.api.Comments[0])
		assert.Equal(t, "Someone skipped the queue! Will have to try again...", s.api.Comments[1])
		assert.Equal(t, 3, s.api.GetCallCount("Rebase"))
		assert.Zero(t, s.api.GetCallCount("Accept"))
	})
}

func TestRun_Guard(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *scenario)
		outcome job.Outcome
		reason  string
	}{
		{
			name:    "draft",
			mutate:  func(s *scenario) { s.api.MR.Draft = true },
			outcome: job.Rejected,
			reason:  "Sorry, I can't merge requests marked as Draft!",
		},
		{
			name:    "legacy work in progress flag",
			mutate:  func(s *scenario) { s.api.MR.WorkInProgress = true },
			outcome: job.Rejected,
			reason:  "Sorry, I can't merge requests marked as Draft!",
		},
		{
			name:    "closed",
			mutate:  func(s *scenario) { s.api.MR.State = gitlab.StateClosed },
			outcome: job.Rejected,
			reason:  "The merge request is already closed!",
		},
		{
			name:    "unknown state",
			mutate:  func(s *scenario) { s.api.MR.State = "archived" },
			outcome: job.Rejected,
			reason:  "The merge request is in an unknown state: archived",
		},
		{
			name:    "insufficient approvals",
			mutate:  func(s *scenario) { s.api.ApprovalsState = fixtures.Approvals(2, fixtures.ReviewerID) },
			outcome: job.Rejected,
			reason:  "Insufficient approvals (have: 1; missing: 1)",
		},
		{
			name: "not enough access",
			mutate: func(s *scenario) {
				s.user = &gitlab.User{ID: fixtures.BotID, Username: "auto-merge"}
				s.api.Projects[fixtures.ProjectID].Permissions.ProjectAccess.AccessLevel = gitlab.ReporterAccess
			},
			outcome: job.Rejected,
			reason:  "I don't have enough permissions to merge in this project!",
		},
		{
			name:    "already merged",
			mutate:  func(s *scenario) { s.api.MR.State = gitlab.StateMerged },
			outcome: job.Skipped,
		},
		{
			name:    "no longer assigned",
			mutate:  func(s *scenario) { s.api.MR.Assignees = []gitlab.User{fixtures.Author()} },
			outcome: job.Skipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScenario(t)
			tt.mutate(s)

			outcome, err := s.run(t, job.Options{})
			if tt.outcome == job.Rejected {
				s.requireRejected(t, outcome, err, tt.reason)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.outcome, outcome)
				assert.Empty(t, s.api.Comments)
				assert.Zero(t, s.api.GetCallCount("Reassign"))
			}
			assert.Zero(t, s.api.GetCallCount("Accept"))
		})
	}
}

func TestRun_WorkspaceFailures(t *testing.T) {
	t.Run("conflicts", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.FuseError = git.ErrConflict

		outcome, err := s.run(t, job.Options{})
		s.requireRejected(t, outcome, err, "got conflicts while rebasing, your problem now...")
	})

	t.Run("conflicts while merging", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.FuseError = git.ErrConflict

		outcome, err := s.run(t, job.Options{Fusion: config.FusionMerge})
		s.requireRejected(t, outcome, err, "got conflicts while merging, your problem now...")
	})

	t.Run("already in target", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.FuseError = git.ErrAlreadyInTarget

		outcome, err := s.run(t, job.Options{})
		s.requireRejected(t, outcome, err, "these changes already exist in branch `main`")
	})

	t.Run("source and target coincide", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.api.MR.SourceBranch = fixtures.TargetBranch

		outcome, err := s.run(t, job.Options{})
		s.requireRejected(t, outcome, err, "source and target branch seem to coincide!")
		assert.Zero(t, s.ws.GetCallCount("Fuse"))
	})

	t.Run("broken repository", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.FuseError = &git.Error{Operation: "fetch", Err: errors.New("object not found")}

		outcome, err := s.run(t, job.Options{})
		assert.Equal(t, job.Failed, outcome)
		var gitErr *git.Error
		require.ErrorAs(t, err, &gitErr)
		assert.Equal(t, "fetch", gitErr.Operation)

		require.Len(t, s.api.Comments, 1)
		assert.Contains(t, s.api.Comments[0], "Something seems broken on my local git repo")
		assert.Zero(t, s.api.GetCallCount("Reassign"))
	})

	t.Run("push rejected after someone pushed", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.PushError = &git.Error{Operation: "push", Err: errors.New("non-fast-forward")}
		s.api.SetBranch(fixtures.ProjectID, fixtures.SourceBranch, fixtures.IntruderSHA)

		outcome, err := s.run(t, job.Options{})
		s.requireRejected(t, outcome, err, "failed to push rebased changes, check my logs!")
	})

	t.Run("push to protected branch", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.PushError = &git.Error{Operation: "push", Err: errors.New("pre-receive hook declined")}
		s.api.Branches["10/"+fixtures.SourceBranch].Protected = true

		outcome, err := s.run(t, job.Options{})
		s.requireRejected(t, outcome, err, "Sorry, I can't modify protected branches!")
	})

	t.Run("push failure", func(t *testing.T) {
		s := newScenario(t)
		s.moveTarget()
		s.ws.PushError = &git.Error{Operation: "push", Err: errors.New("connection reset")}

		outcome, err := s.run(t, job.Options{})
		assert.Equal(t, job.Failed, outcome)
		var gitErr *git.Error
		require.ErrorAs(t, err, &gitErr)
		assert.Equal(t, "push", gitErr.Operation)
	})
}

func TestRun_Fork(t *testing.T) {
	for _, useHTTPS := range []bool{false, true} {
		s := newScenario(t)
		s.moveTarget()
		s.api.Projects[fixtures.ForkID] = fixtures.Fork()
		s.api.MR.SourceProjectID = fixtures.ForkID
		s.api.SetBranch(fixtures.ForkID, fixtures.SourceBranch, fixtures.HeadSHA)

		mr := *s.api.MR
		outcome, err := s.engine(t, job.Options{UseHTTPS: useHTTPS}).Run(context.Background(), &mr)
		require.NoError(t, err)
		assert.Equal(t, job.Merged, outcome)

		want := fixtures.Fork().SSHURLToRepo
		if useHTTPS {
			want = fixtures.Fork().HTTPURLToRepo
		}
		assert.Equal(t, want, s.ws.GetLastCall("Fuse").Args["sourceRepoURL"])
		assert.Equal(t, want, s.ws.GetLastCall("Push").Args["sourceRepoURL"])
		assert.Equal(t, fixtures.RebasedSHA, s.api.BranchTip(fixtures.ForkID, fixtures.SourceBranch))
	}
}

func TestRun_UnexpectedErrorIsReportedAndReturned(t *testing.T) {
	s := newScenario(t)
	s.api.ProjectError = apiError(gitlab.InternalServerError, http.StatusInternalServerError, "boom")

	outcome, err := s.run(t, job.Options{})
	assert.Equal(t, job.Failed, outcome)
	require.ErrorIs(t, err, gitlab.InternalServerError)

	require.Len(t, s.api.Comments, 1)
	assert.Contains(t, s.api.Comments[0], "I'm broken on the inside")
	require.NotNil(t, s.api.GetLastCall("Reassign"))
}

func TestRun_BotAuthorIsUnassignedCompletely(t *testing.T) {
	s := newScenario(t)
	s.api.MR.Draft = true
	s.api.MR.Author = gitlab.User{ID: fixtures.BotID, Username: "auto-merge"}

	mr := *s.api.MR
	outcome, err := s.engine(t, job.Options{}).Run(context.Background(), &mr)
	require.NoError(t, err)
	assert.Equal(t, job.Rejected, outcome)
	assert.Empty(t, s.api.GetLastCall("Reassign").Args["assigneeIDs"])
}

func TestRun_LogsCarryJobID(t *testing.T) {
	s := newScenario(t)

	_, err := s.run(t, job.Options{})
	require.NoError(t, err)
	assert.Regexp(t, `\[[0-9a-f-]{8}\] Processing !42`, s.logs.String())
	assert.Contains(t, s.logs.String(), "Successfully merged !42")
}
