package models

import (
	"time"
)

// StoryCandidate is one item returned by the platform's current-stories listing.
// Candidates are never persisted; a fresh set is fetched per verification attempt.
type StoryCandidate struct {
	ExternalID string
	Caption    string
	MediaType  MediaType // MediaTypeUnknown when the platform omits it
	Timestamp  time.Time
	Permalink  string
}

// StoryInsights holds the raw per-story metrics reported by the platform
type StoryInsights struct {
	Impressions int
	Reach       int
	Replies     int
	TapsForward int
	TapsBack    int
}

// Engagement is the derived engagement metric persisted alongside the raw numbers
func (i StoryInsights) Engagement() int {
	return i.Replies + i.TapsForward + i.TapsBack
}
