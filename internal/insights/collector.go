package insights

import (
	"context"
	"fmt"
	"time"

	"github.com/story-agent/internal/config"
	"github.com/story-agent/internal/instagram"
	"github.com/story-agent/internal/models"
	"github.com/story-agent/internal/storage"
	"github.com/story-agent/internal/verify"
	"github.com/story-agent/pkg/logger"
)

// InsightsFetcher is the slice of the platform client the collector needs
type InsightsFetcher interface {
	GetStoryInsights(ctx context.Context, externalID string) (*models.StoryInsights, error)
}

// Collector pulls per-story metrics for verified stories. Story insights are
// only available while the story is live, so collection races the same TTL
// as verification.
type Collector struct {
	repository storage.Repository
	platform   InsightsFetcher
	config     config.InsightsConfig
	log        *logger.Logger
	now        func() time.Time
}

// NewCollector creates a new insights collector
func NewCollector(repo storage.Repository, platform InsightsFetcher, cfg config.InsightsConfig, log *logger.Logger) *Collector {
	return &Collector{
		repository: repo,
		platform:   platform,
		config:     cfg,
		log:        log.WithComponent("insights"),
		now:        time.Now,
	}
}

// Result summarizes one collection run
type Result struct {
	Selected int
	Fetched  int
	Skipped  int // aged past the story TTL between selection and fetch
	Failed   int
	Duration time.Duration
	Errors   []error
}

// Run fetches insights for one batch of verified stories with missing metrics.
// Each post is handled independently: a fetch or persistence error is logged
// and counted, and the loop continues.
func (c *Collector) Run(ctx context.Context) (*Result, error) {
	started := c.now()
	result := &Result{}

	posts, err := c.repository.ListInsightsDue(ctx, started.Add(-verify.StoryTTL), c.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select posts for insights: %w", err)
	}
	result.Selected = len(posts)

	for _, post := range posts {
		if ctx.Err() != nil {
			c.log.Warn().Msg("Run budget exhausted, stopping insights batch")
			break
		}

		// The listing query already applies the cutoff, but a long-running batch
		// can cross the boundary mid-run. Don't burn an API call on a dead story.
		if c.now().Sub(post.BaselineTime()) > verify.StoryTTL {
			result.Skipped++
			continue
		}

		if err := c.collectOne(ctx, post); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("post %d: %w", post.ID, err))
			continue
		}
		result.Fetched++
	}

	result.Duration = c.now().Sub(started)
	c.log.Info().
		Int("selected", result.Selected).
		Int("fetched", result.Fetched).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Insights batch finished")

	return result, nil
}

func (c *Collector) collectOne(ctx context.Context, post *models.Post) error {
	log := c.log.WithPostID(post.ID)

	insights, err := c.platform.GetStoryInsights(ctx, post.VerifiedExternalID)
	if err != nil {
		switch instagram.KindOf(err) {
		case instagram.ErrKindRateLimited:
			log.Warn().Err(err).Msg("Rate limited fetching insights, will retry next run")
		case instagram.ErrKindToken, instagram.ErrKindPermission:
			log.Error().Err(err).Msg("Credential problem fetching insights, needs operator attention")
		default:
			log.Error().Err(err).Msg("Failed to fetch insights")
		}
		return err
	}

	if err := c.repository.SaveInsights(ctx, post.ID, *insights, c.now()); err != nil {
		log.Error().Err(err).Msg("Failed to persist insights")
		return err
	}

	log.Info().
		Int("impressions", insights.Impressions).
		Int("reach", insights.Reach).
		Int("engagement", insights.Engagement()).
		Msg("Insights collected")
	return nil
}
