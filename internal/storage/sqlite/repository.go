package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/story-agent/internal/models"
	"github.com/story-agent/internal/storage"
)

// baselineExpr mirrors Post.BaselineTime for use inside queries: the first
// non-null of sent_at, buffer_sent_at, scheduled_at, created_at.
const baselineExpr = "COALESCE(sent_at, buffer_sent_at, scheduled_at, created_at)"

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Channel{},
		&models.RecurrenceRule{},
		&models.Post{},
		&models.OAuthToken{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Channel operations

func (r *Repository) CreateChannel(ctx context.Context, channel *models.Channel) error {
	return r.db.WithContext(ctx).Create(channel).Error
}

func (r *Repository) GetChannelByID(ctx context.Context, id uint) (*models.Channel, error) {
	var channel models.Channel
	if err := r.db.WithContext(ctx).First(&channel, id).Error; err != nil {
		return nil, err
	}
	return &channel, nil
}

func (r *Repository) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	var channels []*models.Channel
	if err := r.db.WithContext(ctx).Order("id").Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// Post operations

func (r *Repository) CreatePost(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Create(post).Error
}

func (r *Repository) CreatePosts(ctx context.Context, posts []*models.Post) error {
	if len(posts) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(posts).Error
}

func (r *Repository) GetPostByID(ctx context.Context, id uint) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).Preload("Channel").First(&post, id).Error; err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *Repository) ListPosts(ctx context.Context, filter storage.PostFilter) ([]*models.Post, error) {
	var posts []*models.Post
	query := r.db.WithContext(ctx).Model(&models.Post{})

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Kind != nil {
		query = query.Where("kind = ?", *filter.Kind)
	}
	if filter.ChannelID != nil {
		query = query.Where("channel_id = ?", *filter.ChannelID)
	}
	if filter.VerificationStatus != nil {
		query = query.Where("verification_status = ?", *filter.VerificationStatus)
	}

	// Ordering
	orderCol := "created_at"
	if filter.OrderBy != "" {
		orderCol = filter.OrderBy
	}
	if filter.OrderDesc {
		query = query.Order(orderCol + " DESC")
	} else {
		query = query.Order(orderCol)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *Repository) UpdatePost(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Save(post).Error
}

// Publisher surface

func (r *Repository) GetDuePosts(ctx context.Context, before time.Time) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.PostStatusScheduled, before).
		Order("scheduled_at").
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *Repository) MarkSent(ctx context.Context, id uint, at time.Time) error {
	tx := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND status = ?", id, models.PostStatusScheduled).
		Updates(map[string]interface{}{
			"status":  models.PostStatusSent,
			"sent_at": at,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("post %d is not in scheduled state", id)
	}
	return nil
}

// Verification

func (r *Repository) ListVerifiablePosts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Preload("Channel").
		Where("kind = ? AND status = ? AND verification_status <> ?",
			models.KindStory, models.PostStatusSent, models.VerificationVerified).
		Where(baselineExpr+" >= ?", cutoff).
		Order(baselineExpr + " DESC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// MarkVerified flips a still-unverified, sent post to verified and stamps the
// matched-candidate fields. The status guard makes concurrent batch and forced
// runs safe: whichever write lands first wins and the other sees no rows changed.
func (r *Repository) MarkVerified(ctx context.Context, id uint, update storage.VerifiedUpdate) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND status = ? AND verification_status <> ?",
			id, models.PostStatusSent, models.VerificationVerified).
		Updates(map[string]interface{}{
			"status":                models.PostStatusVerified,
			"verification_status":   models.VerificationVerified,
			"verification_attempts": gorm.Expr("verification_attempts + 1"),
			"verified_external_id":  update.ExternalID,
			"verified_permalink":    update.Permalink,
			"verified_at":           update.PostedAt,
			"verified_by_fallback":  update.ViaFallback,
			"last_verification_at":  now,
			"verification_error":    "",
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// RecordVerificationFailure counts an attempt and stores the failure reason.
// Terminal failures (TTL elapsed) also move the post to verification_failed so
// later batch runs stop selecting it.
func (r *Repository) RecordVerificationFailure(ctx context.Context, id uint, reason string, terminal bool) (bool, error) {
	updates := map[string]interface{}{
		"verification_attempts": gorm.Expr("verification_attempts + 1"),
		"verification_error":    reason,
		"last_verification_at":  time.Now(),
	}
	if terminal {
		updates["status"] = models.PostStatusVerificationFailed
	}

	tx := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND verification_status <> ?", id, models.VerificationVerified).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Insights

func (r *Repository) ListInsightsDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := r.db.WithContext(ctx).
		Where("kind = ? AND verification_status = ?", models.KindStory, models.VerificationVerified).
		Where(baselineExpr+" >= ?", cutoff).
		Where("analytics_fetched_at IS NULL OR reach IS NULL").
		Order(baselineExpr + " DESC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *Repository) SaveInsights(ctx context.Context, id uint, insights models.StoryInsights, fetchedAt time.Time) error {
	reach := insights.Reach
	return r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"impressions":          insights.Impressions,
			"reach":                reach,
			"replies":              insights.Replies,
			"engagement":           insights.Engagement(),
			"analytics_fetched_at": fetchedAt,
		}).Error
}

// Recurrence operations

func (r *Repository) CreateRecurrenceRule(ctx context.Context, rule *models.RecurrenceRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *Repository) GetRecurrenceRuleByID(ctx context.Context, id uint) (*models.RecurrenceRule, error) {
	var rule models.RecurrenceRule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Repository) ListActiveRecurrenceRules(ctx context.Context, now time.Time) ([]*models.RecurrenceRule, error) {
	var rules []*models.RecurrenceRule
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("end_date IS NULL OR end_date > ?", now).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Repository) GetLatestOccurrence(ctx context.Context, ruleID uint) (*time.Time, error) {
	var latest sql.NullTime
	err := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("recurrence_id = ?", ruleID).
		Select("MAX(scheduled_at)").
		Scan(&latest).Error
	if err != nil {
		return nil, err
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time
	return &t, nil
}

// OAuth token operations

func (r *Repository) SaveToken(ctx context.Context, token *models.OAuthToken) error {
	var existing models.OAuthToken
	err := r.db.WithContext(ctx).Where("provider = ?", token.Provider).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return r.db.WithContext(ctx).Create(token).Error
	}
	if err != nil {
		return err
	}
	token.ID = existing.ID
	return r.db.WithContext(ctx).Save(token).Error
}

func (r *Repository) GetToken(ctx context.Context, provider string) (*models.OAuthToken, error) {
	var token models.OAuthToken
	if err := r.db.WithContext(ctx).Where("provider = ?", provider).First(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *Repository) DeleteToken(ctx context.Context, provider string) error {
	return r.db.WithContext(ctx).Where("provider = ?", provider).Delete(&models.OAuthToken{}).Error
}
