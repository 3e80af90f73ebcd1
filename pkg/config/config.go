// Package config handles loading and validation of the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvToken = "GITLAB_TOKEN"
	EnvURL   = "GITLAB_URL"
)

var (
	errConfigNotFound   = errors.New("config file not found")
	errURLRequired      = errors.New("gitlab url is not set")
	errTokenRequired    = errors.New("gitlab token is not set (use " + EnvToken + ")")
	errInvalidFusion    = errors.New("invalid fusion strategy")
	errInvalidOrder     = errors.New("invalid merge order")
	errInvalidRegexp    = errors.New("invalid project include pattern")
	errInvalidDuration  = errors.New("durations must be positive")
	errAPIOnlyFusion    = errors.New("api_only requires the gitlab_rebase fusion strategy")
	errInvalidAttempts  = errors.New("max_attempts must be at least 1")
	errSSHKeyRequired   = errors.New("ssh_key_file is required unless use_https is set")
	errCommitterMissing = errors.New("committer name and email are required for local fusion")

	// Exported errors for testing and external use.
	ErrConfigNotFound   = errConfigNotFound
	ErrURLRequired      = errURLRequired
	ErrTokenRequired    = errTokenRequired
	ErrInvalidFusion    = errInvalidFusion
	ErrInvalidOrder     = errInvalidOrder
	ErrInvalidRegexp    = errInvalidRegexp
	ErrInvalidDuration  = errInvalidDuration
	ErrAPIOnlyFusion    = errAPIOnlyFusion
	ErrInvalidAttempts  = errInvalidAttempts
	ErrSSHKeyRequired   = errSSHKeyRequired
	ErrCommitterMissing = errCommitterMissing
)

// Fusion is the way a source branch is reconciled with its target.
type Fusion string

// Supported fusion strategies.
const (
	FusionRebase       Fusion = "rebase"
	FusionMerge        Fusion = "merge"
	FusionGitLabRebase Fusion = "gitlab_rebase"
)

// MergeOrder is the sort key of the assigned merge requests.
type MergeOrder string

// Supported merge orders.
const (
	OrderCreatedAt MergeOrder = "created_at"
	OrderUpdatedAt MergeOrder = "updated_at"
)

// Config represents the complete configuration for auto-merge.
type Config struct {
	GitLab    GitLabConfig      `yaml:"gitlab"`
	Projects  ProjectsConfig    `yaml:"projects"`
	Merge     MergeConfig       `yaml:"merge"`
	Timeouts  TimeoutsConfig    `yaml:"timeouts"`
	Intervals IntervalsConfig   `yaml:"intervals"`
	Git       GitConfig         `yaml:"git"`
	Comments  map[string]string `yaml:"comments"`
	// CLI runs a single polling cycle and exits.
	CLI bool `yaml:"cli"`
}

// GitLabConfig locates the review platform.
type GitLabConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ProjectsConfig selects the projects the bot works on.
type ProjectsConfig struct {
	Include string `yaml:"include"`
}

// MergeConfig drives the merge job.
type MergeConfig struct {
	Order                MergeOrder `yaml:"order"`
	Fusion               Fusion     `yaml:"fusion"`
	APIOnly              bool       `yaml:"api_only"`
	Reapprove            bool       `yaml:"reapprove"`
	MaxAttempts          int        `yaml:"max_attempts"`
	CancelStalePipelines bool       `yaml:"cancel_stale_pipelines"`
}

// TimeoutsConfig bounds every blocking wait.
type TimeoutsConfig struct {
	Merge   time.Duration `yaml:"merge"`
	CI      time.Duration `yaml:"ci"`
	Git     time.Duration `yaml:"git"`
	Request time.Duration `yaml:"request"`
}

// IntervalsConfig paces the polling loops.
type IntervalsConfig struct {
	Poll          time.Duration `yaml:"poll"`
	BetweenMerges time.Duration `yaml:"between_merges"`
	Confirm       time.Duration `yaml:"confirm"`
	CIPoll        time.Duration `yaml:"ci_poll"`
	ProjectsTTL   time.Duration `yaml:"projects_ttl"`
}

// GitConfig configures the local workspace.
type GitConfig struct {
	RootDir        string `yaml:"root_dir"`
	UseHTTPS       bool   `yaml:"use_https"`
	SSHKeyFile     string `yaml:"ssh_key_file"`
	CommitterName  string `yaml:"committer_name"`
	CommitterEmail string `yaml:"committer_email"`
}

// Default returns the configuration used for every unset key.
func Default() Config {
	return Config{
		GitLab:   GitLabConfig{URL: "https://gitlab.com"},
		Projects: ProjectsConfig{Include: ".*"},
		Merge: MergeConfig{
			Order:       OrderCreatedAt,
			Fusion:      FusionRebase,
			MaxAttempts: 10,
		},
		Timeouts: TimeoutsConfig{
			Merge:   5 * time.Minute,
			CI:      15 * time.Minute,
			Git:     2 * time.Minute,
			Request: time.Minute,
		},
		Intervals: IntervalsConfig{
			Poll:          15 * time.Second,
			BetweenMerges: time.Second,
			Confirm:       10 * time.Second,
			CIPoll:        10 * time.Second,
			ProjectsTTL:   15 * time.Minute,
		},
		Git: GitConfig{
			RootDir:        filepath.Join(os.TempDir(), "auto-merge"),
			CommitterName:  "auto-merge",
			CommitterEmail: "auto-merge@localhost",
		},
	}
}

// DefaultPath returns ~/.config/auto-merge/config.yml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "auto-merge", "config.yml"), nil
}

// Load reads the configuration file at path (DefaultPath when empty), fills
// unset keys from Default, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	// #nosec G304 - the config path is chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errConfigNotFound, path)
	}

	return Parse(data)
}

// Parse decodes YAML data the same way Load does.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := mergo.Merge(&config, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyEnv() {
	if token := os.Getenv(EnvToken); token != "" {
		c.GitLab.Token = token
	}
	if url := os.Getenv(EnvURL); url != "" {
		c.GitLab.URL = url
	}
	c.GitLab.URL = strings.TrimRight(strings.TrimSpace(c.GitLab.URL), "/")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.GitLab.URL == "" {
		return errURLRequired
	}
	if c.GitLab.Token == "" {
		return errTokenRequired
	}

	if _, err := regexp.Compile(c.Projects.Include); err != nil {
		return fmt.Errorf("%w: %w", errInvalidRegexp, err)
	}

	switch c.Merge.Order {
	case OrderCreatedAt, OrderUpdatedAt:
	default:
		return fmt.Errorf("%w: %q", errInvalidOrder, c.Merge.Order)
	}

	switch c.Merge.Fusion {
	case FusionRebase, FusionMerge, FusionGitLabRebase:
	default:
		return fmt.Errorf("%w: %q", errInvalidFusion, c.Merge.Fusion)
	}

	if c.Merge.APIOnly && c.Merge.Fusion != FusionGitLabRebase {
		return errAPIOnlyFusion
	}

	if c.Merge.MaxAttempts < 1 {
		return errInvalidAttempts
	}

	for _, d := range []time.Duration{
		c.Timeouts.Merge, c.Timeouts.CI, c.Timeouts.Git, c.Timeouts.Request,
		c.Intervals.Poll, c.Intervals.Confirm, c.Intervals.CIPoll, c.Intervals.ProjectsTTL,
	} {
		if d <= 0 {
			return errInvalidDuration
		}
	}

	if !c.Merge.APIOnly {
		if !c.Git.UseHTTPS && c.Git.SSHKeyFile == "" {
			return errSSHKeyRequired
		}
		if c.Git.CommitterName == "" || c.Git.CommitterEmail == "" {
			return errCommitterMissing
		}
	}

	return nil
}

// ProjectPattern compiles Projects.Include anchored at the start of the
// project path. Call after Validate.
func (c *Config) ProjectPattern() *regexp.Regexp {
	return regexp.MustCompile("^(?:" + c.Projects.Include + ")")
}
