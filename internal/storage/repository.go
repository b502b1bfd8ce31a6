package storage

import (
	"context"
	"time"

	"github.com/story-agent/internal/models"
)

// Repository defines the interface for data persistence
type Repository interface {
	// Channel operations
	CreateChannel(ctx context.Context, channel *models.Channel) error
	GetChannelByID(ctx context.Context, id uint) (*models.Channel, error)
	ListChannels(ctx context.Context) ([]*models.Channel, error)

	// Post operations
	CreatePost(ctx context.Context, post *models.Post) error
	CreatePosts(ctx context.Context, posts []*models.Post) error
	GetPostByID(ctx context.Context, id uint) (*models.Post, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]*models.Post, error)
	UpdatePost(ctx context.Context, post *models.Post) error

	// Publisher surface: posts due for sending, and the SCHEDULED -> SENT transition
	GetDuePosts(ctx context.Context, before time.Time) ([]*models.Post, error)
	MarkSent(ctx context.Context, id uint, at time.Time) error

	// Verification selection and outcome writes. ListVerifiablePosts returns sent,
	// unverified stories whose baseline timestamp is at or after cutoff, newest
	// baseline first. The outcome writes are conditional: they only touch rows that
	// are still unverified and report whether a row actually changed, so a racing
	// writer can detect that it lost.
	ListVerifiablePosts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Post, error)
	MarkVerified(ctx context.Context, id uint, update VerifiedUpdate) (bool, error)
	RecordVerificationFailure(ctx context.Context, id uint, reason string, terminal bool) (bool, error)

	// Insights selection and metric writes
	ListInsightsDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.Post, error)
	SaveInsights(ctx context.Context, id uint, insights models.StoryInsights, fetchedAt time.Time) error

	// Recurrence operations
	CreateRecurrenceRule(ctx context.Context, rule *models.RecurrenceRule) error
	GetRecurrenceRuleByID(ctx context.Context, id uint) (*models.RecurrenceRule, error)
	ListActiveRecurrenceRules(ctx context.Context, now time.Time) ([]*models.RecurrenceRule, error)
	GetLatestOccurrence(ctx context.Context, ruleID uint) (*time.Time, error)

	// OAuth token operations
	SaveToken(ctx context.Context, token *models.OAuthToken) error
	GetToken(ctx context.Context, provider string) (*models.OAuthToken, error)
	DeleteToken(ctx context.Context, provider string) error

	// Maintenance
	Close() error
	Migrate() error
}

// VerifiedUpdate carries the matched-candidate fields persisted on success
type VerifiedUpdate struct {
	ExternalID  string
	Permalink   string
	PostedAt    time.Time // platform-reported timestamp
	ViaFallback bool
}

// PostFilter defines filtering options for posts
type PostFilter struct {
	Status             *models.PostStatus
	Kind               *models.PostKind
	ChannelID          *uint
	VerificationStatus *models.VerificationStatus
	Limit              int
	Offset             int
	OrderBy            string // "created_at", "scheduled_at"
	OrderDesc          bool
}

// DefaultPostFilter returns a filter with sensible defaults
func DefaultPostFilter() PostFilter {
	return PostFilter{
		Limit:     50,
		OrderBy:   "created_at",
		OrderDesc: true,
	}
}
