package models

import (
	"database/sql/driver"
	"encoding/json"
	"path"
	"strings"
	"time"
)

// PostKind represents the type of content sent to the platform
type PostKind string

const (
	KindFeedPost PostKind = "feed_post"
	KindStory    PostKind = "story"
	KindReel     PostKind = "reel"
	KindCarousel PostKind = "carousel"
)

// ScheduleKind represents how a post is scheduled for sending
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleOneShot   ScheduleKind = "one_shot"
	ScheduleRecurring ScheduleKind = "recurring"
)

// PostStatus represents the current state of a post
type PostStatus string

const (
	PostStatusDraft              PostStatus = "draft"
	PostStatusScheduled          PostStatus = "scheduled"
	PostStatusSent               PostStatus = "sent"
	PostStatusVerified           PostStatus = "verified"
	PostStatusVerificationFailed PostStatus = "verification_failed"
)

// VerificationStatus tracks whether a sent story was matched against the platform listing
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
)

// MediaType represents the media type of a story or candidate
type MediaType string

const (
	MediaTypeImage   MediaType = "image"
	MediaTypeVideo   MediaType = "video"
	MediaTypeUnknown MediaType = ""
)

// StringSlice is a custom type for storing string arrays in JSON
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	return json.Unmarshal(value.([]byte), s)
}

// IntSlice is a custom type for storing int arrays in JSON
type IntSlice []int

func (s IntSlice) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *IntSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	return json.Unmarshal(value.([]byte), s)
}

// Post represents one unit of content targeted at a single channel.
// Recurring schedules are eagerly materialized: each occurrence is its own Post row.
type Post struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	ChannelID    uint            `gorm:"index;not null" json:"channel_id"`
	Channel      *Channel        `gorm:"foreignKey:ChannelID" json:"channel,omitempty"`
	Kind         PostKind        `gorm:"index;not null" json:"kind"`
	Caption      string          `gorm:"type:text" json:"caption"`
	MediaURLs    StringSlice     `gorm:"type:json" json:"media_urls"`
	ScheduleKind ScheduleKind    `gorm:"not null" json:"schedule_kind"`
	ScheduledAt  *time.Time      `gorm:"index" json:"scheduled_at"`
	RecurrenceID *uint           `gorm:"index" json:"recurrence_id"`
	Recurrence   *RecurrenceRule `gorm:"foreignKey:RecurrenceID" json:"recurrence,omitempty"`
	Status       PostStatus      `gorm:"index;default:'scheduled'" json:"status"`

	// VerificationTag is embedded verbatim into the sent content by the publisher
	// so the story can later be recognized in the platform's own listing.
	VerificationTag string `gorm:"index" json:"verification_tag"`

	SentAt       *time.Time `json:"sent_at"`
	BufferSentAt *time.Time `json:"buffer_sent_at"`

	VerificationStatus   VerificationStatus `gorm:"index;default:'unverified'" json:"verification_status"`
	VerificationAttempts int                `gorm:"default:0" json:"verification_attempts"`
	VerifiedExternalID   string             `json:"verified_external_id"`
	VerifiedPermalink    string             `json:"verified_permalink"`
	VerifiedAt           *time.Time         `json:"verified_at"` // platform-reported timestamp
	VerifiedByFallback   bool               `json:"verified_by_fallback"`
	LastVerificationAt   *time.Time         `json:"last_verification_at"`
	VerificationError    string             `json:"verification_error"`

	Impressions        int        `gorm:"default:0" json:"impressions"`
	Reach              *int       `json:"reach"` // nullable: "reach is null" means metrics incomplete
	Replies            int        `gorm:"default:0" json:"replies"`
	Engagement         int        `gorm:"default:0" json:"engagement"`
	AnalyticsFetchedAt *time.Time `json:"analytics_fetched_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BaselineTime resolves the best-available estimate of when the post was actually
// sent. Precedence is order-significant: SentAt, BufferSentAt, ScheduledAt, CreatedAt.
// All TTL and fallback-window math anchors on this value.
func (p *Post) BaselineTime() time.Time {
	switch {
	case p.SentAt != nil:
		return *p.SentAt
	case p.BufferSentAt != nil:
		return *p.BufferSentAt
	case p.ScheduledAt != nil:
		return *p.ScheduledAt
	default:
		return p.CreatedAt
	}
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".m4v":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
}

// ExpectedMediaType derives the media type from the post's media URLs:
// any URL with a video extension means video, everything else is image.
func (p *Post) ExpectedMediaType() MediaType {
	for _, u := range p.MediaURLs {
		clean := u
		if i := strings.IndexAny(clean, "?#"); i >= 0 {
			clean = clean[:i]
		}
		if videoExtensions[strings.ToLower(path.Ext(clean))] {
			return MediaTypeVideo
		}
	}
	return MediaTypeImage
}

// IsVerified returns true once the post has been matched against the platform listing
func (p *Post) IsVerified() bool {
	return p.VerificationStatus == VerificationVerified
}

// IsStory returns true for ephemeral posts that go through the verification lifecycle
func (p *Post) IsStory() bool {
	return p.Kind == KindStory
}
