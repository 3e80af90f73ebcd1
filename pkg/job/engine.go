// Package job drives a single merge request from "assigned to the bot" to
// "merged": branch synchronization, approval restoration, CI gating, the
// accept call and its confirmation, with race detection and bounded retry.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sgaunet/auto-merge/internal/clock"
	"github.com/sgaunet/auto-merge/internal/logger"
	"github.com/sgaunet/auto-merge/internal/notes"
	"github.com/sgaunet/auto-merge/pkg/config"
	"github.com/sgaunet/auto-merge/pkg/git"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
	"github.com/sgaunet/bullets"
)

// Default pacing of the internal polls.
const (
	DefaultSettleAttempts = 3
	DefaultSettleInterval = 5 * time.Second
	DefaultRebaseTimeout  = 2 * time.Minute
	DefaultRebaseInterval = time.Second
)

// Options configure every job run by an Engine.
type Options struct {
	Fusion               config.Fusion
	APIOnly              bool
	Reapprove            bool
	CancelStalePipelines bool
	// UseHTTPS selects the http clone URL of fork projects instead of ssh.
	UseHTTPS bool
	// MaxAttempts bounds the race-restarts of one job.
	MaxAttempts int

	MergeTimeout    time.Duration
	CITimeout       time.Duration
	ConfirmInterval time.Duration
	CIPollInterval  time.Duration
	SettleAttempts  int
	SettleInterval  time.Duration
	RebaseTimeout   time.Duration
	RebaseInterval  time.Duration
}

// OptionsFromConfig maps the configuration file onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Fusion:               cfg.Merge.Fusion,
		APIOnly:              cfg.Merge.APIOnly,
		Reapprove:            cfg.Merge.Reapprove,
		CancelStalePipelines: cfg.Merge.CancelStalePipelines,
		UseHTTPS:             cfg.Git.UseHTTPS,
		MaxAttempts:          cfg.Merge.MaxAttempts,
		MergeTimeout:         cfg.Timeouts.Merge,
		CITimeout:            cfg.Timeouts.CI,
		ConfirmInterval:      cfg.Intervals.Confirm,
		CIPollInterval:       cfg.Intervals.CIPoll,
		RebaseTimeout:        cfg.Timeouts.Git,
	}
}

func (o *Options) applyDefaults() {
	defaults := config.Default()
	if o.Fusion == "" {
		o.Fusion = defaults.Merge.Fusion
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.Merge.MaxAttempts
	}
	if o.MergeTimeout <= 0 {
		o.MergeTimeout = defaults.Timeouts.Merge
	}
	if o.CITimeout <= 0 {
		o.CITimeout = defaults.Timeouts.CI
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = defaults.Intervals.Confirm
	}
	if o.CIPollInterval <= 0 {
		o.CIPollInterval = defaults.Intervals.CIPoll
	}
	if o.SettleAttempts <= 0 {
		o.SettleAttempts = DefaultSettleAttempts
	}
	if o.SettleInterval <= 0 {
		o.SettleInterval = DefaultSettleInterval
	}
	if o.RebaseTimeout <= 0 {
		o.RebaseTimeout = DefaultRebaseTimeout
	}
	if o.RebaseInterval <= 0 {
		o.RebaseInterval = DefaultRebaseInterval
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	API gitlab.API
	// Workspaces is required unless Options.APIOnly is set.
	Workspaces git.Provider
	// User is the bot account.
	User    *gitlab.User
	Version gitlab.Version
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Notes defaults to the built-in comment templates.
	Notes *notes.Renderer
}

// Outcome is how a job ended.
type Outcome int

// Job outcomes.
const (
	// Merged: the merge request was merged (by the bot or concurrently).
	Merged Outcome = iota
	// Skipped: nothing was done, no comment was posted.
	Skipped
	// Rejected: the merge request was given back with a comment.
	Rejected
	// Failed: an unexpected or version-control failure; the error is returned.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Engine runs merge jobs, one at a time.
type Engine struct {
	api        gitlab.API
	workspaces git.Provider
	user       *gitlab.User
	opts       Options
	clock      clock.Clock
	notes      *notes.Renderer
	log        *bullets.Logger
}

// NewEngine validates the options against the bot account and the server
// version, and creates an Engine.
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	opts.applyDefaults()

	if opts.Reapprove && (deps.User == nil || !deps.User.IsAdmin) {
		return nil, errReapproveNeedsAdmin
	}
	if opts.APIOnly && opts.Fusion != config.FusionGitLabRebase {
		return nil, errAPIOnlyFusion
	}
	if !opts.APIOnly && deps.Workspaces == nil {
		return nil, errNoWorkspaces
	}
	if opts.Fusion == config.FusionGitLabRebase && len(deps.Version.Release) > 0 && !deps.Version.AtLeast(11, 6) {
		return nil, fmt.Errorf("%w (server is %s)", errRebaseUnsupported, deps.Version)
	}

	e := &Engine{
		api:        deps.API,
		workspaces: deps.Workspaces,
		user:       deps.User,
		opts:       opts,
		clock:      deps.Clock,
		notes:      deps.Notes,
		log:        logger.NoLogger(),
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.notes == nil {
		e.notes = notes.MustDefault()
	}
	return e, nil
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger *bullets.Logger) {
	e.log = logger
}

// Run processes one merge request. Merge refusals are reported on the merge
// request and are not errors; the returned error is set only for Failed.
func (e *Engine) Run(ctx context.Context, mr *gitlab.MergeRequest) (Outcome, error) {
	j := &mergeJob{
		Engine: e,
		id:     uuid.NewString()[:8],
		mr:     mr,
	}
	return j.execute(ctx)
}

// errorClass is the exhaustive classification of a job failure.
type errorClass int

const (
	classSkip errorClass = iota
	classCannotMerge
	classGit
	classUnexpected
)

func classify(err error) errorClass {
	var skip *SkipMergeError
	var cannot *CannotMergeError
	var gitErr *git.Error
	switch {
	case errors.As(err, &skip):
		return classSkip
	case errors.As(err, &cannot):
		return classCannotMerge
	case errors.As(err, &gitErr):
		return classGit
	default:
		return classUnexpected
	}
}

// mergeJob is the state of one Run.
type mergeJob struct {
	*Engine

	id string
	mr *gitlab.MergeRequest

	// approvals is the snapshot taken before any history rewrite.
	approvals *gitlab.Approvals
	// targetSHA is the target tip observed during the current attempt.
	targetSHA string
	// mismatches counts rebase-result mismatches across attempts.
	mismatches int
}

func (j *mergeJob) execute(ctx context.Context) (Outcome, error) {
	j.info(fmt.Sprintf("Processing !%d - %q", j.mr.IID, j.mr.Title))

	err := j.updateAndAccept(ctx)
	if err == nil {
		j.info(fmt.Sprintf("Successfully merged !%d", j.mr.IID))
		return Merged, nil
	}

	switch classify(err) {
	case classSkip:
		var skip *SkipMergeError
		errors.As(err, &skip)
		j.warn(fmt.Sprintf("Skipping !%d: %s", j.mr.IID, skip.Reason))
		return Skipped, nil

	case classCannotMerge:
		var cannot *CannotMergeError
		errors.As(err, &cannot)
		j.warn(fmt.Sprintf("I couldn't merge !%d: %v", j.mr.IID, err))
		j.unassign(ctx)
		j.comment(ctx, notes.CannotMerge, cannot.Reason)
		return Rejected, nil

	case classGit:
		j.logError(fmt.Sprintf("Unexpected git error on !%d: %v", j.mr.IID, err))
		j.comment(ctx, notes.BrokenRepository, "")
		return Failed, err

	case classUnexpected:
		j.logError(fmt.Sprintf("Unexpected error on !%d: %v", j.mr.IID, err))
		// the context may be the reason; the cleanup must still reach GitLab
		cleanup := context.WithoutCancel(ctx)
		j.comment(cleanup, notes.InternalError, "")
		j.unassign(cleanup)
		return Failed, err
	}

	return Failed, err
}

// updateAndAccept runs attempts until the merge request is merged, a
// terminal error occurs, or MaxAttempts race-restarts happened.
func (j *mergeJob) updateAndAccept(ctx context.Context) error {
	approvals, err := j.api.Approvals(ctx, j.mr.ProjectID, j.mr.IID)
	if err != nil {
		return err
	}
	j.approvals = approvals

	for attempt := 1; attempt <= j.opts.MaxAttempts; attempt++ {
		res, err := j.attempt(ctx)
		if err != nil {
			return err
		}

		switch res.kind {
		case attemptMerged:
			return nil
		case attemptRetry:
			j.info(fmt.Sprintf("Restarting !%d: %s", j.mr.IID, res.reason))
		case attemptMismatch:
			j.mismatches++
			if j.mismatches == 1 {
				j.info("GitLab rebase didn't give the expected result; this is expected right after a rebase, retrying")
			} else {
				j.info("GitLab rebase didn't give the expected result: " + res.reason)
				j.comment(ctx, notes.RebaseMismatch, res.reason)
			}
		}
	}

	return cannotMergef(nil, "gave up after %d attempts, the branches keep moving", j.opts.MaxAttempts)
}

// unassign gives the merge request back to its author, or clears the
// assignees when the bot is the author.
func (j *mergeJob) unassign(ctx context.Context) {
	var assignees []int64
	if j.mr.Author.ID != 0 && j.mr.Author.ID != j.user.ID {
		assignees = []int64{j.mr.Author.ID}
	}
	if err := j.api.Reassign(ctx, j.mr.ProjectID, j.mr.IID, assignees); err != nil {
		j.logError(fmt.Sprintf("Failed to unassign from !%d: %v", j.mr.IID, err))
	}
}

func (j *mergeJob) comment(ctx context.Context, kind notes.Kind, reason string) {
	body := j.notes.Render(kind, notes.Data{
		Reason:       reason,
		IID:          j.mr.IID,
		SourceBranch: j.mr.SourceBranch,
		TargetBranch: j.mr.TargetBranch,
		Bot:          j.user.Username,
	})
	if err := j.api.Comment(ctx, j.mr.ProjectID, j.mr.IID, body); err != nil {
		j.logError(fmt.Sprintf("Failed to comment on !%d: %v", j.mr.IID, err))
	}
}

func (j *mergeJob) debug(msg string) { j.log.Debug(j.prefix() + msg) }
func (j *mergeJob) info(msg string) { j.log.Info(j.prefix() + msg) }
func (j *mergeJob) warn(msg string) { j.log.Warn(j.prefix() + msg) }
func (j *mergeJob) logError(msg string) { j.log.Error(j.prefix() + msg) }

func (j *mergeJob) prefix() string {
	return "[" + j.id + "] "
}
