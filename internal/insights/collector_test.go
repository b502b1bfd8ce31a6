package insights

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/story-agent/internal/config"
	"github.com/story-agent/internal/instagram"
	"github.com/story-agent/internal/models"
	"github.com/story-agent/internal/storage"
	"github.com/story-agent/pkg/logger"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type fakeRepo struct {
	storage.Repository

	due   []*models.Post
	saved map[uint]models.StoryInsights
}

func (r *fakeRepo) ListInsightsDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.Post, error) {
	return r.due, nil
}

func (r *fakeRepo) SaveInsights(ctx context.Context, id uint, insights models.StoryInsights, fetchedAt time.Time) error {
	if r.saved == nil {
		r.saved = make(map[uint]models.StoryInsights)
	}
	r.saved[id] = insights
	return nil
}

type fakeFetcher struct {
	calls    []string
	insights map[string]*models.StoryInsights
	errs     map[string]error
}

func (f *fakeFetcher) GetStoryInsights(ctx context.Context, externalID string) (*models.StoryInsights, error) {
	f.calls = append(f.calls, externalID)
	if err := f.errs[externalID]; err != nil {
		return nil, err
	}
	return f.insights[externalID], nil
}

func verifiedStory(id uint, externalID string, sentAt time.Time) *models.Post {
	return &models.Post{
		ID:                 id,
		Kind:               models.KindStory,
		Status:             models.PostStatusVerified,
		VerificationStatus: models.VerificationVerified,
		VerifiedExternalID: externalID,
		SentAt:             &sentAt,
	}
}

func newTestCollector(repo *fakeRepo, fetcher *fakeFetcher) *Collector {
	c := NewCollector(repo, fetcher, config.InsightsConfig{BatchSize: 100, RunBudget: 10 * time.Minute}, logger.Default())
	c.now = func() time.Time { return now }
	return c
}

func TestRunCollectsAndPersists(t *testing.T) {
	repo := &fakeRepo{due: []*models.Post{
		verifiedStory(1, "ext-1", now.Add(-2*time.Hour)),
	}}
	fetcher := &fakeFetcher{insights: map[string]*models.StoryInsights{
		"ext-1": {Impressions: 120, Reach: 100, Replies: 3, TapsForward: 10, TapsBack: 2},
	}}

	result, err := newTestCollector(repo, fetcher).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, 0, result.Failed)

	saved, ok := repo.saved[1]
	require.True(t, ok)
	assert.Equal(t, 120, saved.Impressions)
	assert.Equal(t, 100, saved.Reach)
	assert.Equal(t, 15, saved.Engagement())
}

func TestRunSkipsExpiredStoriesWithoutFetching(t *testing.T) {
	repo := &fakeRepo{due: []*models.Post{
		verifiedStory(1, "ext-old", now.Add(-25*time.Hour)),
		verifiedStory(2, "ext-live", now.Add(-2*time.Hour)),
	}}
	fetcher := &fakeFetcher{insights: map[string]*models.StoryInsights{
		"ext-live": {Impressions: 50, Reach: 40},
	}}

	result, err := newTestCollector(repo, fetcher).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, []string{"ext-live"}, fetcher.calls, "no API call for the dead story")
	assert.NotContains(t, repo.saved, uint(1))
}

func TestRunIsolatesFetchFailures(t *testing.T) {
	repo := &fakeRepo{due: []*models.Post{
		verifiedStory(1, "ext-1", now.Add(-1*time.Hour)),
		verifiedStory(2, "ext-2", now.Add(-1*time.Hour)),
		verifiedStory(3, "ext-3", now.Add(-1*time.Hour)),
	}}
	fetcher := &fakeFetcher{
		insights: map[string]*models.StoryInsights{
			"ext-1": {Impressions: 10, Reach: 8},
			"ext-3": {Impressions: 30, Reach: 25},
		},
		errs: map[string]error{
			"ext-2": &instagram.APIError{Kind: instagram.ErrKindRateLimited, Code: 4, Message: "throttled"},
		},
	}

	result, err := newTestCollector(repo, fetcher).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Fetched)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "post 2")

	assert.Contains(t, repo.saved, uint(1))
	assert.Contains(t, repo.saved, uint(3))
	assert.NotContains(t, repo.saved, uint(2))
}

func TestRunClassificationDoesNotChangeControlFlow(t *testing.T) {
	// Token errors alert louder than rate limits but both just skip the post.
	repo := &fakeRepo{due: []*models.Post{
		verifiedStory(1, "ext-1", now.Add(-1*time.Hour)),
		verifiedStory(2, "ext-2", now.Add(-1*time.Hour)),
	}}
	fetcher := &fakeFetcher{
		errs: map[string]error{
			"ext-1": &instagram.APIError{Kind: instagram.ErrKindToken, Code: 190, Message: "token expired"},
			"ext-2": errors.New("dial tcp: i/o timeout"),
		},
	}

	result, err := newTestCollector(repo, fetcher).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Failed)
	assert.Empty(t, repo.saved)
}

func TestRunStopsWhenBudgetExhausted(t *testing.T) {
	repo := &fakeRepo{due: []*models.Post{
		verifiedStory(1, "ext-1", now.Add(-1*time.Hour)),
	}}
	fetcher := &fakeFetcher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestCollector(repo, fetcher).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Selected)
	assert.Empty(t, fetcher.calls)
}
