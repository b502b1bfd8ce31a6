package verify

import (
	"strings"
	"time"

	"github.com/story-agent/internal/models"
)

const (
	// StoryTTL is how long the platform keeps a story listed. Past this horizon
	// a story can neither be matched nor have metrics collected.
	StoryTTL = 24 * time.Hour

	// FallbackWindow is the timestamp tolerance used to correlate a post with a
	// listed story when tag matching fails.
	FallbackWindow = 5 * time.Minute
)

// OutcomeKind enumerates the possible results of one match attempt
type OutcomeKind string

const (
	OutcomeAlreadyVerified OutcomeKind = "already_verified"
	OutcomeExpired         OutcomeKind = "expired"
	OutcomeVerified        OutcomeKind = "verified"
	OutcomeAmbiguous       OutcomeKind = "ambiguous"
	OutcomeNotFound        OutcomeKind = "not_found"
)

// Outcome is the result of matching one post against the platform listing
type Outcome struct {
	Kind        OutcomeKind
	Candidate   *models.StoryCandidate  // set when Kind == OutcomeVerified
	ViaFallback bool                    // tier-2 (timestamp+media) match rather than tag
	Candidates  []models.StoryCandidate // surviving candidates when Kind == OutcomeAmbiguous
}

// Match decides which listed story, if any, corresponds to the post. Pure
// function: no I/O, no clock access beyond the caller-supplied now.
//
// Two tiers. Tier 1 looks for the post's verification tag verbatim inside a
// candidate caption; it is authoritative but only works when the publisher
// faithfully embedded the tag. Tier 2 falls back to "posted around the same
// time with the same media type", which needs disambiguation when several
// stories went out in a tight window. The engine never guesses: a multi-hit in
// either tier refuses to pick.
func Match(post *models.Post, candidates []models.StoryCandidate, now time.Time) Outcome {
	if post.IsVerified() {
		return Outcome{Kind: OutcomeAlreadyVerified}
	}

	baseline := post.BaselineTime()
	if now.Sub(baseline) > StoryTTL {
		return Outcome{Kind: OutcomeExpired}
	}

	// Tier 1: tag match. More than one hit should be impossible given tag
	// uniqueness, but if it happens the tier is treated as failed rather than
	// silently picking one.
	if post.VerificationTag != "" {
		var tagged []models.StoryCandidate
		for _, c := range candidates {
			if strings.Contains(c.Caption, post.VerificationTag) {
				tagged = append(tagged, c)
			}
		}
		if len(tagged) == 1 {
			match := tagged[0]
			return Outcome{Kind: OutcomeVerified, Candidate: &match}
		}
	}

	// Tier 2: timestamp window + media type.
	expected := post.ExpectedMediaType()
	var surviving []models.StoryCandidate
	for _, c := range candidates {
		if absDuration(c.Timestamp.Sub(baseline)) > FallbackWindow {
			continue
		}
		if c.MediaType != models.MediaTypeUnknown && c.MediaType != expected {
			continue
		}
		surviving = append(surviving, c)
	}

	switch len(surviving) {
	case 0:
		return Outcome{Kind: OutcomeNotFound}
	case 1:
		match := surviving[0]
		return Outcome{Kind: OutcomeVerified, Candidate: &match, ViaFallback: true}
	default:
		return Outcome{Kind: OutcomeAmbiguous, Candidates: surviving}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
