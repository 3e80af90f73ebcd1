// Package git is the local version-control workspace: a mirror of each
// target project used to fuse (rebase or merge) a source branch onto its
// target branch and push the result back.
package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/sgaunet/auto-merge/internal/logger"
	"github.com/sgaunet/auto-merge/internal/security"
	"github.com/sgaunet/bullets"
)

const (
	originRemote = "origin"
	sourceRemote = "source"

	defaultTimeout = 2 * time.Minute
)

// Strategy selects how a source branch is fused onto its target.
type Strategy string

// Fuse strategies.
const (
	Rebase Strategy = "rebase"
	Merge  Strategy = "merge"
)

// Options configure every workspace created by a Manager.
type Options struct {
	// RootDir holds one clone per project.
	RootDir string
	// Auth is used for every fetch, clone and push; nil for local remotes.
	Auth           transport.AuthMethod
	CommitterName  string
	CommitterEmail string
	// Timeout bounds a single git operation.
	Timeout time.Duration
}

// HTTPSAuth authenticates against GitLab over HTTPS with a token.
func HTTPSAuth(log *bullets.Logger, token security.SecureToken) (transport.AuthMethod, error) {
	if token.IsEmpty() {
		return nil, errNoCredentials
	}
	security.DebugAuth(log, "HTTPS", map[string]string{
		"username": "oauth2",
		"token":    token.String(),
	})
	return &githttp.BasicAuth{Username: "oauth2", Password: token.Value()}, nil
}

// SSHAuth authenticates with the given private key file.
func SSHAuth(log *bullets.Logger, keyFile string) (transport.AuthMethod, error) {
	if keyFile == "" {
		return nil, errNoCredentials
	}
	security.DebugSSHKey(log, keyFile)
	auth, err := gitssh.NewPublicKeysFromFile("git", keyFile, "")
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			err = pathErr.Err
		}
		return nil, fmt.Errorf("failed to load SSH key %s: %w", security.MaskSSHKeyPath(keyFile), err)
	}
	return auth, nil
}

// FuseRequest names the branches to fuse. SourceRepoURL is set when the
// source branch lives in a fork.
type FuseRequest struct {
	SourceBranch  string
	TargetBranch  string
	SourceRepoURL string
	Strategy      Strategy
}

// FuseResult reports the shas around a fuse.
type FuseResult struct {
	// TargetSHA is the tip of the target branch the source was fused onto.
	TargetSHA string
	// SourceSHA is the tip of the remote source branch before fusing.
	SourceSHA string
	// UpdatedSHA is the tip of the local source branch after fusing.
	UpdatedSHA string
}

// Changed reports whether fusing rewrote the source branch.
func (r *FuseResult) Changed() bool {
	return r.SourceSHA != r.UpdatedSHA
}

// Workspace is a local mirror of one project.
type Workspace interface {
	// Fuse fetches both branches and rebases or merges the source onto the
	// target locally. Nothing is pushed.
	Fuse(ctx context.Context, req FuseRequest) (*FuseResult, error)
	// Push force-pushes the local branch to the remote it was fetched from.
	Push(ctx context.Context, branch, sourceRepoURL string) error
	// Tip resolves a revision such as "origin/main" to a commit sha.
	Tip(ref string) (string, error)
}

// Provider hands out the workspace of a project, cloning it on first use.
type Provider interface {
	Workspace(ctx context.Context, project, repoURL string) (Workspace, error)
}

// Manager owns one Repo per project below Options.RootDir.
type Manager struct {
	opts  Options
	log   *bullets.Logger
	mu    sync.Mutex
	repos map[string]*Repo
}

var (
	_ Provider  = (*Manager)(nil)
	_ Workspace = (*Repo)(nil)
)

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Manager{
		opts:  opts,
		log:   logger.NoLogger(),
		repos: make(map[string]*Repo),
	}
}

// SetLogger sets the logger for the manager and its repositories.
func (m *Manager) SetLogger(logger *bullets.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = logger
	for _, r := range m.repos {
		r.log = logger
	}
}

// Workspace implements Provider.
func (m *Manager) Workspace(ctx context.Context, project, repoURL string) (Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.repos[project]; ok {
		return r, nil
	}

	rel := filepath.FromSlash(project)
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %s", errUnsafePath, project)
	}

	r := &Repo{
		path: filepath.Join(m.opts.RootDir, rel),
		url:  repoURL,
		opts: m.opts,
		log:  m.log,
	}
	if err := r.open(ctx); err != nil {
		return nil, err
	}
	m.repos[project] = r
	return r, nil
}

// Repo is the clone of one project.
type Repo struct {
	path string
	url  string
	opts Options
	log  *bullets.Logger
	repo *gogit.Repository
}

// Path returns the directory of the clone.
func (r *Repo) Path() string {
	return r.path
}

func (r *Repo) open(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.path, ".git")); err == nil {
		repo, err := gogit.PlainOpen(r.path)
		if err != nil {
			return wrap("open", err)
		}
		r.repo = repo
		return nil
	}

	r.log.Info("Cloning " + security.SanitizeString(r.url) + " into " + r.path)

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return wrap("clone", err)
	}
	repo, err := gogit.PlainCloneContext(ctx, r.path, false, &gogit.CloneOptions{
		URL:        r.url,
		Auth:       r.opts.Auth,
		RemoteName: originRemote,
	})
	if err != nil {
		return wrap("clone", security.SanitizeError(err))
	}
	r.repo = repo
	return nil
}

// Fuse implements Workspace.
func (r *Repo) Fuse(ctx context.Context, req FuseRequest) (*FuseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	remote := originRemote
	if req.SourceRepoURL != "" && req.SourceRepoURL != r.url {
		remote = sourceRemote
		if err := r.ensureRemote(sourceRemote, req.SourceRepoURL); err != nil {
			return nil, err
		}
	}

	if err := r.fetch(ctx, originRemote); err != nil {
		return nil, err
	}
	if remote != originRemote {
		if err := r.fetch(ctx, remote); err != nil {
			return nil, err
		}
	}

	sourceSHA, err := r.Tip(remote + "/" + req.SourceBranch)
	if err != nil {
		return nil, err
	}
	targetSHA, err := r.Tip(originRemote + "/" + req.TargetBranch)
	if err != nil {
		return nil, err
	}

	if err := r.checkout(req.SourceBranch, sourceSHA); err != nil {
		return nil, err
	}

	r.log.Debug(fmt.Sprintf("Fusing %s onto %s with %s", req.SourceBranch, req.TargetBranch, req.Strategy))

	upstream := originRemote + "/" + req.TargetBranch
	switch req.Strategy {
	case Merge:
		err = r.fuseWith(ctx, "merge", []string{"merge", "--no-edit", upstream}, []string{"merge", "--abort"})
	default:
		err = r.fuseWith(ctx, "rebase", []string{"rebase", upstream}, []string{"rebase", "--abort"})
	}
	if err != nil {
		return nil, err
	}

	updatedSHA, err := r.Tip("HEAD")
	if err != nil {
		return nil, err
	}
	if updatedSHA == targetSHA {
		return nil, fmt.Errorf("%w: %s", errAlreadyInTarget, req.TargetBranch)
	}

	return &FuseResult{TargetSHA: targetSHA, SourceSHA: sourceSHA, UpdatedSHA: updatedSHA}, nil
}

// Push implements Workspace.
func (r *Repo) Push(ctx context.Context, branch, sourceRepoURL string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	remote := originRemote
	if sourceRepoURL != "" && sourceRepoURL != r.url {
		remote = sourceRemote
	}

	ref := plumbing.NewBranchReferenceName(branch)
	r.log.Debug(fmt.Sprintf("Pushing %s to %s", branch, remote))
	err := r.repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))},
		Auth:       r.opts.Auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return wrap("push", security.SanitizeError(err))
	}
	return nil
}

// Tip implements Workspace.
func (r *Repo) Tip(ref string) (string, error) {
	rev := ref
	if remote, branch, ok := strings.Cut(ref, "/"); ok && (remote == originRemote || remote == sourceRemote) {
		rev = plumbing.NewRemoteReferenceName(remote, branch).String()
	}
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", wrap("rev-parse "+ref, err)
	}
	return hash.String(), nil
}

func (r *Repo) fetch(ctx context.Context, remote string) error {
	refSpec := config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote))
	err := r.repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       r.opts.Auth,
		Force:      true,
		Prune:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return wrap("fetch "+remote, security.SanitizeError(err))
	}
	return nil
}

func (r *Repo) ensureRemote(name, url string) error {
	remote, err := r.repo.Remote(name)
	switch {
	case err == nil:
		urls := remote.Config().URLs
		if len(urls) > 0 && urls[0] == url {
			return nil
		}
		if err := r.repo.DeleteRemote(name); err != nil {
			return wrap("remote remove "+name, err)
		}
	case !errors.Is(err, gogit.ErrRemoteNotFound):
		return wrap("remote "+name, err)
	}

	if _, err := r.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}}); err != nil {
		return wrap("remote add "+name, err)
	}
	return nil
}

// checkout points the local branch at sha and checks it out, discarding any
// local state.
func (r *Repo) checkout(branch, sha string) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), plumbing.NewHash(sha))
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return wrap("branch "+branch, err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return wrap("checkout "+branch, err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: ref.Name(), Force: true}); err != nil {
		return wrap("checkout "+branch, err)
	}
	return nil
}

// fuseWith runs a rebase or merge with the git binary; a failing run is
// aborted and reported as a conflict.
func (r *Repo) fuseWith(ctx context.Context, operation string, args, abort []string) error {
	out, err := r.run(ctx, args...)
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || ctx.Err() != nil {
		return wrap(operation, err)
	}

	r.log.Debug(fmt.Sprintf("%s failed: %s", operation, strings.TrimSpace(out)))
	if _, abortErr := r.run(ctx, abort...); abortErr != nil {
		return wrap(operation+" abort", abortErr)
	}
	return fmt.Errorf("%w (%s)", errConflict, operation)
}

// run executes git in the clone with the configured committer identity.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{
		"-c", "user.name=" + r.opts.CommitterName,
		"-c", "user.email=" + r.opts.CommitterEmail,
	}, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = r.path
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}
