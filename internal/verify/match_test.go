package verify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/story-agent/internal/models"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func sentStory(sentAt time.Time, tag string, mediaURLs ...string) *models.Post {
	if len(mediaURLs) == 0 {
		mediaURLs = []string{"https://cdn.example.com/a.jpg"}
	}
	return &models.Post{
		Kind:            models.KindStory,
		Status:          models.PostStatusSent,
		VerificationTag: tag,
		MediaURLs:       mediaURLs,
		SentAt:          &sentAt,
	}
}

func candidate(id, caption string, mediaType models.MediaType, ts time.Time) models.StoryCandidate {
	return models.StoryCandidate{
		ExternalID: id,
		Caption:    caption,
		MediaType:  mediaType,
		Timestamp:  ts,
		Permalink:  "https://instagram.com/stories/" + id,
	}
}

func TestMatchTagWins(t *testing.T) {
	post := sentStory(now.Add(-1*time.Hour), "AB12CD34EF")

	// The tagged candidate is far outside the fallback window, another candidate
	// sits right on the baseline: the tag must still win.
	candidates := []models.StoryCandidate{
		candidate("near", "no tag here", models.MediaTypeImage, now.Add(-1*time.Hour)),
		candidate("tagged", "promo AB12CD34EF today", models.MediaTypeImage, now.Add(-10*time.Hour)),
	}

	outcome := Match(post, candidates, now)
	require.Equal(t, OutcomeVerified, outcome.Kind)
	assert.Equal(t, "tagged", outcome.Candidate.ExternalID)
	assert.False(t, outcome.ViaFallback)
}

func TestMatchMultipleTagHitsFallThrough(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	post := sentStory(sentAt, "AB12CD34EF")

	// Two candidates carry the tag, so tier 1 refuses to pick. Only one of them
	// also sits inside the fallback window, so tier 2 resolves it.
	candidates := []models.StoryCandidate{
		candidate("dup1", "AB12CD34EF", models.MediaTypeImage, sentAt.Add(1*time.Minute)),
		candidate("dup2", "AB12CD34EF again", models.MediaTypeImage, sentAt.Add(-8*time.Hour)),
	}

	outcome := Match(post, candidates, now)
	require.Equal(t, OutcomeVerified, outcome.Kind)
	assert.Equal(t, "dup1", outcome.Candidate.ExternalID)
	assert.True(t, outcome.ViaFallback)
}

func TestMatchFallbackWindow(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)

	tests := []struct {
		name   string
		offset time.Duration
		want   OutcomeKind
	}{
		{"exactly on baseline", 0, OutcomeVerified},
		{"five minutes after", 5 * time.Minute, OutcomeVerified},
		{"five minutes before", -5 * time.Minute, OutcomeVerified},
		{"just past the window", 5*time.Minute + time.Second, OutcomeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := sentStory(sentAt, "NOTPRESENT")
			candidates := []models.StoryCandidate{
				candidate("c1", "untagged", models.MediaTypeImage, sentAt.Add(tt.offset)),
			}

			outcome := Match(post, candidates, now)
			assert.Equal(t, tt.want, outcome.Kind)
			if tt.want == OutcomeVerified {
				assert.True(t, outcome.ViaFallback)
			}
		})
	}
}

func TestMatchFallbackMediaType(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)

	tests := []struct {
		name      string
		mediaURL  string
		candidate models.MediaType
		want      OutcomeKind
	}{
		{"video post, video candidate", "https://cdn.example.com/a.mp4", models.MediaTypeVideo, OutcomeVerified},
		{"video post, image candidate", "https://cdn.example.com/a.mp4", models.MediaTypeImage, OutcomeNotFound},
		{"image post, video candidate", "https://cdn.example.com/a.jpg", models.MediaTypeVideo, OutcomeNotFound},
		{"unknown candidate type matches video", "https://cdn.example.com/a.mp4", models.MediaTypeUnknown, OutcomeVerified},
		{"unknown candidate type matches image", "https://cdn.example.com/a.jpg", models.MediaTypeUnknown, OutcomeVerified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := sentStory(sentAt, "NOTPRESENT", tt.mediaURL)
			candidates := []models.StoryCandidate{
				candidate("c1", "untagged", tt.candidate, sentAt.Add(time.Minute)),
			}

			outcome := Match(post, candidates, now)
			assert.Equal(t, tt.want, outcome.Kind)
		})
	}
}

func TestMatchAmbiguousFallback(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	post := sentStory(sentAt, "NOTPRESENT")

	candidates := []models.StoryCandidate{
		candidate("c1", "first", models.MediaTypeImage, sentAt.Add(1*time.Minute)),
		candidate("c2", "second", models.MediaTypeImage, sentAt.Add(2*time.Minute)),
	}

	outcome := Match(post, candidates, now)
	require.Equal(t, OutcomeAmbiguous, outcome.Kind)
	assert.Len(t, outcome.Candidates, 2)
	assert.Nil(t, outcome.Candidate)
}

func TestMatchExpired(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want OutcomeKind
	}{
		{"well within ttl", 23*time.Hour + 59*time.Minute, OutcomeNotFound},
		{"exactly at ttl", StoryTTL, OutcomeNotFound},
		{"just past ttl", StoryTTL + time.Second, OutcomeExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := sentStory(now.Add(-tt.age), "AB12CD34EF")
			outcome := Match(post, nil, now)
			assert.Equal(t, tt.want, outcome.Kind)
		})
	}
}

func TestMatchAlreadyVerifiedShortCircuits(t *testing.T) {
	// Even an expired, tag-matching listing must not touch a verified post.
	post := sentStory(now.Add(-48*time.Hour), "AB12CD34EF")
	post.VerificationStatus = models.VerificationVerified

	candidates := []models.StoryCandidate{
		candidate("c1", "AB12CD34EF", models.MediaTypeImage, now),
	}

	outcome := Match(post, candidates, now)
	assert.Equal(t, OutcomeAlreadyVerified, outcome.Kind)
}

func TestMatchEmptyTagSkipsTierOne(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	post := sentStory(sentAt, "")

	// Every caption contains the empty string; tier 1 must not fire on it.
	candidates := []models.StoryCandidate{
		candidate("c1", "anything", models.MediaTypeImage, sentAt.Add(-10*time.Hour)),
		candidate("c2", "near", models.MediaTypeImage, sentAt.Add(time.Minute)),
	}

	outcome := Match(post, candidates, now)
	require.Equal(t, OutcomeVerified, outcome.Kind)
	assert.Equal(t, "c2", outcome.Candidate.ExternalID)
	assert.True(t, outcome.ViaFallback)
}

func TestMatchNoCandidates(t *testing.T) {
	post := sentStory(now.Add(-1*time.Hour), "AB12CD34EF")
	outcome := Match(post, nil, now)
	assert.Equal(t, OutcomeNotFound, outcome.Kind)
}
