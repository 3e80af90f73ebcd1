// Package bot polls GitLab for merge requests assigned to the bot account and
// hands them, one at a time, to the merge job engine.
package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofrs/flock"
	"github.com/sgaunet/auto-merge/internal/clock"
	"github.com/sgaunet/auto-merge/internal/logger"
	"github.com/sgaunet/auto-merge/pkg/config"
	"github.com/sgaunet/auto-merge/pkg/git"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
	"github.com/sgaunet/auto-merge/pkg/job"
	"github.com/sgaunet/bullets"
)

// LockFile is created in Options.LockDir while a Bot runs.
const LockFile = ".auto-merge.lock"

var (
	errAlreadyRunning = errors.New("another auto-merge instance holds the lock")
	errNoUser         = errors.New("the bot user is required")

	// ErrAlreadyRunning is returned by Start when the lock is held.
	ErrAlreadyRunning = errAlreadyRunning
	// ErrNoUser is returned by New without a bot user.
	ErrNoUser = errNoUser
)

// Runner processes one merge request; *job.Engine implements it.
type Runner interface {
	Run(ctx context.Context, mr *gitlab.MergeRequest) (job.Outcome, error)
}

// Options pace and scope the polling loop.
type Options struct {
	// Include selects eligible projects by path with namespace.
	Include *regexp.Regexp
	Order   config.MergeOrder
	// CLI stops after the first dispatch, or the first idle cycle.
	CLI           bool
	Poll          time.Duration
	BetweenMerges time.Duration
	ProjectsTTL   time.Duration
	// LockDir, when set, holds the lock file preventing two daemons from
	// sharing a workspace root.
	LockDir string
}

// OptionsFromConfig maps the configuration file onto scheduler options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Include:       cfg.ProjectPattern(),
		Order:         cfg.Merge.Order,
		CLI:           cfg.CLI,
		Poll:          cfg.Intervals.Poll,
		BetweenMerges: cfg.Intervals.BetweenMerges,
		ProjectsTTL:   cfg.Intervals.ProjectsTTL,
		LockDir:       cfg.Git.RootDir,
	}
}

// Deps are the collaborators of a Bot.
type Deps struct {
	API    gitlab.API
	Runner Runner
	User   *gitlab.User
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Bot is the scheduler.
type Bot struct {
	api      gitlab.API
	runner   Runner
	user     *gitlab.User
	opts     Options
	clock    clock.Clock
	log      *bullets.Logger
	projects *projectCache
}

// New creates a Bot.
func New(deps Deps, opts Options) (*Bot, error) {
	if deps.User == nil {
		return nil, errNoUser
	}

	defaults := config.Default()
	if opts.Include == nil {
		opts.Include = regexp.MustCompile(".*")
	}
	if opts.Order == "" {
		opts.Order = defaults.Merge.Order
	}
	if opts.Poll <= 0 {
		opts.Poll = defaults.Intervals.Poll
	}
	if opts.BetweenMerges <= 0 {
		opts.BetweenMerges = defaults.Intervals.BetweenMerges
	}
	if opts.ProjectsTTL <= 0 {
		opts.ProjectsTTL = defaults.Intervals.ProjectsTTL
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := logger.NoLogger()

	return &Bot{
		api:    deps.API,
		runner: deps.Runner,
		user:   deps.User,
		opts:   opts,
		clock:  clk,
		log:    log,
		projects: &projectCache{
			api:     deps.API,
			include: opts.Include,
			ttl:     opts.ProjectsTTL,
			clock:   clk,
			log:     log,
		},
	}, nil
}

// SetLogger sets the logger for the bot.
func (b *Bot) SetLogger(logger *bullets.Logger) {
	b.log = logger
	b.projects.log = logger
}

// Start polls until ctx is cancelled, a workspace failure occurs, or, in CLI
// mode, after one cycle. Cancellation is honored between jobs only.
func (b *Bot) Start(ctx context.Context) error {
	if b.opts.LockDir != "" {
		unlock, err := b.lock()
		if err != nil {
			return err
		}
		defer unlock()
	}

	b.log.Info(fmt.Sprintf("Watching merge requests assigned to @%s", b.user.Username))
	for {
		if ctx.Err() != nil {
			b.log.Info("Shutting down")
			return nil
		}

		dispatched, err := b.cycle(ctx)
		if err != nil {
			return err
		}
		if b.opts.CLI {
			return nil
		}

		wait := b.opts.Poll
		if dispatched {
			wait = b.opts.BetweenMerges
		} else {
			b.log.Debug("Nothing to merge, sleeping for " + clock.FormatDuration(wait))
		}
		if err := b.clock.Sleep(ctx, wait); err != nil {
			b.log.Info("Shutting down")
			return nil
		}
	}
}

// cycle dispatches the first eligible merge request, if any.
func (b *Bot) cycle(ctx context.Context) (bool, error) {
	mrs, err := b.api.AssignedMergeRequests(ctx, b.user.ID, string(b.opts.Order))
	if err != nil {
		if b.opts.CLI {
			return false, fmt.Errorf("failed to list assigned merge requests: %w", err)
		}
		b.log.Error(fmt.Sprintf("Failed to list assigned merge requests: %v", err))
		return false, nil
	}
	b.log.Debug(fmt.Sprintf("%d merge requests assigned to me", len(mrs)))

	for i := range mrs {
		mr := &mrs[i]
		project, err := b.projects.lookup(ctx, mr.ProjectID)
		if err != nil {
			b.log.Error(fmt.Sprintf("Failed to refresh my projects: %v", err))
			return false, nil
		}
		if project == nil {
			b.log.Info(fmt.Sprintf("Skipping !%d of project %d: not eligible", mr.IID, mr.ProjectID))
			continue
		}

		return true, b.dispatch(ctx, project, mr)
	}
	return false, nil
}

func (b *Bot) dispatch(ctx context.Context, project *gitlab.Project, mr *gitlab.MergeRequest) error {
	b.log.Info(fmt.Sprintf("Merging %s!%d", project.PathWithNamespace, mr.IID))
	start := b.clock.Now()

	outcome, err := b.runner.Run(context.WithoutCancel(ctx), mr)
	b.log.Info(fmt.Sprintf("%s!%d %s after %s", project.PathWithNamespace, mr.IID, outcome,
		clock.FormatDuration(b.clock.Now().Sub(start))))
	if err == nil {
		return nil
	}

	var gitErr *git.Error
	if errors.As(err, &gitErr) {
		return fmt.Errorf("workspace of %s is unusable: %w", project.PathWithNamespace, err)
	}
	b.log.Error(fmt.Sprintf("Merging %s!%d failed: %v", project.PathWithNamespace, mr.IID, err))
	return nil
}

func (b *Bot) lock() (func(), error) {
	if err := os.MkdirAll(b.opts.LockDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", b.opts.LockDir, err)
	}

	fileLock := flock.New(filepath.Join(b.opts.LockDir, LockFile))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", fileLock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", errAlreadyRunning, fileLock.Path())
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			b.log.Warn(fmt.Sprintf("Failed to release %s: %v", fileLock.Path(), err))
		}
	}, nil
}
