// Package main provides the entry point for the auto-merge daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/sgaunet/auto-merge/internal/logger"
	"github.com/sgaunet/auto-merge/internal/notes"
	"github.com/sgaunet/auto-merge/internal/security"
	"github.com/sgaunet/auto-merge/pkg/bot"
	"github.com/sgaunet/auto-merge/pkg/config"
	"github.com/sgaunet/auto-merge/pkg/git"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
	"github.com/sgaunet/auto-merge/pkg/job"
	"github.com/sgaunet/bullets"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	cliMode    bool
	log        *bullets.Logger
)

var rootCmd = &cobra.Command{
	Use:   "auto-merge",
	Short: "Merge bot for GitLab",
	Long: `auto-merge watches the merge requests assigned to its GitLab account and
merges them one at a time: it rebases or merges the source branch onto the
latest target, restores approvals, waits for CI and accepts the request.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAutoMerge(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the configuration file (default ~/.config/auto-merge/config.yml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info",
		"Set log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&cliMode, "cli", false,
		"Run a single polling cycle and exit")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAutoMerge(ctx context.Context) error {
	log = logger.NewLogger(logLevel)
	if _, ok := logger.ParseLevel(logLevel); !ok {
		log.Warn(fmt.Sprintf("Unknown log level %q, using info", logLevel))
	}
	log.Info("auto-merge starting...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cliMode {
		cfg.CLI = true
	}
	log.Debug("Configuration loaded successfully")

	token := security.NewSecureToken(cfg.GitLab.Token)
	client, err := initializeGitLabClient(cfg, token)
	if err != nil {
		return err
	}

	version, err := client.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GitLab version: %w", err)
	}
	user, err := client.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to get the bot user: %w", err)
	}
	log.Info(fmt.Sprintf("Connected to GitLab %s as @%s", version, user.Username))

	engine, err := initializeEngine(cfg, client, user, version, token)
	if err != nil {
		return err
	}

	b, err := bot.New(bot.Deps{API: client, Runner: engine, User: user}, bot.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	b.SetLogger(log)

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("bot stopped: %w", err)
	}
	log.Info("auto-merge stopped")
	return nil
}

func initializeGitLabClient(cfg *config.Config, token security.SecureToken) (*gitlab.Client, error) {
	gw, err := gitlab.NewGateway(cfg.GitLab.URL, token, gitlab.WithRequestTimeout(cfg.Timeouts.Request))
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab gateway: %w", err)
	}
	client := gitlab.NewClient(gw)
	client.SetLogger(log)
	return client, nil
}

func initializeEngine(
	cfg *config.Config,
	client *gitlab.Client,
	user *gitlab.User,
	version gitlab.Version,
	token security.SecureToken,
) (*job.Engine, error) {
	renderer, err := notes.NewRenderer(cfg.Comments)
	if err != nil {
		return nil, fmt.Errorf("failed to load comment templates: %w", err)
	}

	deps := job.Deps{
		API:     client,
		User:    user,
		Version: version,
		Notes:   renderer,
	}
	if !cfg.Merge.APIOnly {
		manager, err := initializeWorkspaces(cfg, token)
		if err != nil {
			return nil, err
		}
		deps.Workspaces = manager
	}

	engine, err := job.NewEngine(deps, job.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create merge engine: %w", err)
	}
	engine.SetLogger(log)
	return engine, nil
}

func initializeWorkspaces(cfg *config.Config, token security.SecureToken) (*git.Manager, error) {
	var (
		auth transport.AuthMethod
		err  error
	)
	if cfg.Git.UseHTTPS {
		auth, err = git.HTTPSAuth(log, token)
	} else {
		auth, err = git.SSHAuth(log, cfg.Git.SSHKeyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to configure git credentials: %w", err)
	}

	manager := git.NewManager(git.Options{
		RootDir:        cfg.Git.RootDir,
		Auth:           auth,
		CommitterName:  cfg.Git.CommitterName,
		CommitterEmail: cfg.Git.CommitterEmail,
		Timeout:        cfg.Timeouts.Git,
	})
	manager.SetLogger(log)
	log.Debug("Workspaces under " + cfg.Git.RootDir)
	return manager, nil
}
