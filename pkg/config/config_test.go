package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgaunet/auto-merge/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validConfigYAML = `
gitlab:
  url: https://gitlab.example.com/
  token: glpat-fromfile123456
projects:
  include: "platform/.*"
merge:
  fusion: merge
  reapprove: true
  max_attempts: 3
timeouts:
  ci: 30m
git:
  ssh_key_file: /home/bot/.ssh/id_ed25519
comments:
  cannot_merge: "Sorry: {{ .Reason }}"
`

	apiOnlyYAML = `
gitlab:
  url: https://gitlab.example.com
  token: glpat-fromfile123456
merge:
  api_only: true
  fusion: gitlab_rebase
`

	malformedYAML = `
gitlab:
url: https://gitlab.example.com
  token: nope
`
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	t.Setenv(config.EnvURL, "")

	cfg, err := config.Load(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://gitlab.example.com", cfg.GitLab.URL, "trailing slash trimmed")
	assert.Equal(t, "glpat-fromfile123456", cfg.GitLab.Token)
	assert.Equal(t, config.FusionMerge, cfg.Merge.Fusion)
	assert.True(t, cfg.Merge.Reapprove)
	assert.Equal(t, 3, cfg.Merge.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.CI)
	assert.Equal(t, "Sorry: {{ .Reason }}", cfg.Comments["cannot_merge"])

	// unset keys come from the defaults
	defaults := config.Default()
	assert.Equal(t, defaults.Timeouts.Merge, cfg.Timeouts.Merge)
	assert.Equal(t, defaults.Intervals.Confirm, cfg.Intervals.Confirm)
	assert.Equal(t, config.OrderCreatedAt, cfg.Merge.Order)
	assert.Equal(t, defaults.Git.CommitterName, cfg.Git.CommitterName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvToken, "glpat-fromenv9876543")
	t.Setenv(config.EnvURL, "https://git.internal")

	cfg, err := config.Load(writeConfig(t, validConfigYAML))
	require.NoError(t, err)
	assert.Equal(t, "glpat-fromenv9876543", cfg.GitLab.Token)
	assert.Equal(t, "https://git.internal", cfg.GitLab.URL)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	t.Setenv(config.EnvURL, "")

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, config.ErrConfigNotFound)

	_, err = config.Load(writeConfig(t, malformedYAML))
	assert.Error(t, err)
}

func TestParse_APIOnly(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	t.Setenv(config.EnvURL, "")

	cfg, err := config.Parse([]byte(apiOnlyYAML))
	require.NoError(t, err, "api_only needs neither ssh key nor https")
	assert.True(t, cfg.Merge.APIOnly)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.GitLab.Token = "glpat-abcdefgh"
		cfg.Git.UseHTTPS = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "missing url", mutate: func(c *config.Config) { c.GitLab.URL = "" }, wantErr: config.ErrURLRequired},
		{name: "missing token", mutate: func(c *config.Config) { c.GitLab.Token = "" }, wantErr: config.ErrTokenRequired},
		{name: "bad regexp", mutate: func(c *config.Config) { c.Projects.Include = "(" }, wantErr: config.ErrInvalidRegexp},
		{name: "bad order", mutate: func(c *config.Config) { c.Merge.Order = "random" }, wantErr: config.ErrInvalidOrder},
		{name: "bad fusion", mutate: func(c *config.Config) { c.Merge.Fusion = "squash" }, wantErr: config.ErrInvalidFusion},
		{name: "api only with local fusion", mutate: func(c *config.Config) { c.Merge.APIOnly = true }, wantErr: config.ErrAPIOnlyFusion},
		{name: "zero attempts", mutate: func(c *config.Config) { c.Merge.MaxAttempts = 0 }, wantErr: config.ErrInvalidAttempts},
		{name: "zero timeout", mutate: func(c *config.Config) { c.Timeouts.Merge = 0 }, wantErr: config.ErrInvalidDuration},
		{name: "ssh without key", mutate: func(c *config.Config) { c.Git.UseHTTPS = false }, wantErr: config.ErrSSHKeyRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProjectPattern(t *testing.T) {
	cfg := config.Default()
	cfg.Projects.Include = "platform/.*"
	pattern := cfg.ProjectPattern()

	assert.True(t, pattern.MatchString("platform/api"))
	assert.False(t, pattern.MatchString("sandbox/platform/api"))
}
