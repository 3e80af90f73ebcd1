package bot

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sgaunet/auto-merge/internal/clock"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
	"github.com/sgaunet/bullets"
)

// projectCache maps project ids to the eligible project, or to nil for a
// project the bot may not work on. It is refreshed every ttl, and once more
// the first time an unknown project id shows up.
type projectCache struct {
	api     gitlab.API
	include *regexp.Regexp
	ttl     time.Duration
	clock   clock.Clock
	log     *bullets.Logger

	projects  map[int64]*gitlab.Project
	fetchedAt time.Time
}

func (c *projectCache) lookup(ctx context.Context, projectID int64) (*gitlab.Project, error) {
	if c.projects == nil || c.clock.Now().Sub(c.fetchedAt) >= c.ttl {
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
	}

	project, known := c.projects[projectID]
	if known {
		return project, nil
	}

	c.log.Info(fmt.Sprintf("Project %d is unknown, refreshing my projects", projectID))
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	project, known = c.projects[projectID]
	if !known {
		c.projects[projectID] = nil
	}
	return project, nil
}

func (c *projectCache) refresh(ctx context.Context) error {
	c.log.Debug("Fetching my projects")
	list, err := c.api.MyProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	projects := make(map[int64]*gitlab.Project, len(list))
	eligible := 0
	for i := range list {
		p := &list[i]
		if c.include.MatchString(p.PathWithNamespace) {
			projects[p.ID] = p
			eligible++
		} else {
			projects[p.ID] = nil
		}
	}

	c.projects = projects
	c.fetchedAt = c.clock.Now()
	c.log.Debug(fmt.Sprintf("%d of my %d projects are eligible", eligible, len(list)))
	return nil
}
