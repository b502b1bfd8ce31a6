package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/story-agent/internal/config"
	"github.com/story-agent/internal/models"
	"github.com/story-agent/internal/recurrence"
	"github.com/story-agent/internal/storage"
	"github.com/story-agent/pkg/logger"
)

// Service validates and creates posts. Recurring schedules are eagerly
// materialized up to a bounded horizon; ExtendRecurrences rolls that horizon
// forward from a periodic job.
type Service struct {
	repository storage.Repository
	config     config.SchedulingConfig
	log        *logger.Logger
	now        func() time.Time
}

// NewService creates a new scheduler service
func NewService(repo storage.Repository, cfg config.SchedulingConfig, log *logger.Logger) *Service {
	return &Service{
		repository: repo,
		config:     cfg,
		log:        log.WithComponent("scheduler"),
		now:        time.Now,
	}
}

// RecurrenceInput describes a recurring schedule on CreatePost
type RecurrenceInput struct {
	Frequency  models.Frequency
	DaysOfWeek []int
	TimeOfDay  string // "15:04"
	EndDate    *time.Time
}

// CreatePostInput is the CreatePost request
type CreatePostInput struct {
	ChannelID    uint
	Kind         models.PostKind
	Caption      string
	MediaURLs    []string
	ScheduleKind models.ScheduleKind
	ScheduledAt  *time.Time
	Recurrence   *RecurrenceInput
}

// CreateResult contains the created post identifiers
type CreateResult struct {
	PostIDs      []uint
	RecurrenceID *uint
	Tag          string // for single posts; recurring occurrences each carry their own
}

// CreatePost validates the input and persists one post, or one post per
// materialized occurrence for recurring schedules. Every created post gets a
// fresh verification tag the publisher must embed into the sent content.
func (s *Service) CreatePost(ctx context.Context, input CreatePostInput) (*CreateResult, error) {
	now := s.now()

	if err := s.validate(input, now); err != nil {
		return nil, err
	}

	channel, err := s.repository.GetChannelByID(ctx, input.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("channel %d not found: %w", input.ChannelID, err)
	}
	if !channel.Configured() {
		return nil, ErrChannelNotConfigured
	}

	if input.ScheduleKind == models.ScheduleRecurring {
		return s.createRecurring(ctx, input, now)
	}

	scheduledAt := input.ScheduledAt
	if input.ScheduleKind == models.ScheduleImmediate {
		// Immediately eligible for sending: due as of now.
		t := now
		scheduledAt = &t
	}

	post := &models.Post{
		ChannelID:       input.ChannelID,
		Kind:            input.Kind,
		Caption:         input.Caption,
		MediaURLs:       input.MediaURLs,
		ScheduleKind:    input.ScheduleKind,
		ScheduledAt:     scheduledAt,
		Status:          models.PostStatusScheduled,
		VerificationTag: NewVerificationTag(),
	}

	if err := s.repository.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("failed to save post: %w", err)
	}

	s.log.Info().
		Uint("post_id", post.ID).
		Uint("channel_id", post.ChannelID).
		Str("kind", string(post.Kind)).
		Str("schedule_kind", string(post.ScheduleKind)).
		Msg("Post created")

	return &CreateResult{PostIDs: []uint{post.ID}, Tag: post.VerificationTag}, nil
}

func (s *Service) createRecurring(ctx context.Context, input CreatePostInput, now time.Time) (*CreateResult, error) {
	rule := &models.RecurrenceRule{
		ChannelID:  input.ChannelID,
		Frequency:  input.Recurrence.Frequency,
		DaysOfWeek: input.Recurrence.DaysOfWeek,
		TimeOfDay:  input.Recurrence.TimeOfDay,
		AnchorAt:   now,
		EndDate:    input.Recurrence.EndDate,
		Kind:       input.Kind,
		Caption:    input.Caption,
		MediaURLs:  input.MediaURLs,
		Enabled:    true,
	}

	if err := s.repository.CreateRecurrenceRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to save recurrence rule: %w", err)
	}

	horizon := now.AddDate(0, 0, s.config.HorizonDays)
	occurrences, err := recurrence.Expand(*rule, now, horizon)
	if err != nil {
		return nil, err
	}

	posts := s.materialize(rule, occurrences)
	if err := s.repository.CreatePosts(ctx, posts); err != nil {
		return nil, fmt.Errorf("failed to save occurrences: %w", err)
	}

	ids := make([]uint, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}

	s.log.Info().
		Uint("recurrence_id", rule.ID).
		Int("occurrences", len(posts)).
		Time("horizon", horizon).
		Msg("Recurring posts materialized")

	return &CreateResult{PostIDs: ids, RecurrenceID: &rule.ID}, nil
}

// ExtendRecurrences rolls the materialization horizon forward for every active
// rule, creating the occurrences that have come into range since the last run.
// Meant to be driven by a daily job.
func (s *Service) ExtendRecurrences(ctx context.Context) (int, error) {
	now := s.now()
	horizon := now.AddDate(0, 0, s.config.HorizonDays)

	rules, err := s.repository.ListActiveRecurrenceRules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list recurrence rules: %w", err)
	}

	created := 0
	for _, rule := range rules {
		from := now
		latest, err := s.repository.GetLatestOccurrence(ctx, rule.ID)
		if err != nil {
			s.log.Error().Err(err).Uint("recurrence_id", rule.ID).Msg("Failed to resolve latest occurrence")
			continue
		}
		if latest != nil && latest.After(from) {
			// Resume just past what is already materialized.
			from = latest.Add(time.Minute)
		}

		occurrences, err := recurrence.Expand(*rule, from, horizon)
		if err != nil {
			s.log.Error().Err(err).Uint("recurrence_id", rule.ID).Msg("Failed to expand recurrence rule")
			continue
		}
		if len(occurrences) == 0 {
			continue
		}

		posts := s.materialize(rule, occurrences)
		if err := s.repository.CreatePosts(ctx, posts); err != nil {
			s.log.Error().Err(err).Uint("recurrence_id", rule.ID).Msg("Failed to save extended occurrences")
			continue
		}

		created += len(posts)
		s.log.Info().
			Uint("recurrence_id", rule.ID).
			Int("occurrences", len(posts)).
			Msg("Recurrence horizon extended")
	}

	return created, nil
}

func (s *Service) materialize(rule *models.RecurrenceRule, occurrences []time.Time) []*models.Post {
	posts := make([]*models.Post, len(occurrences))
	for i, at := range occurrences {
		t := at
		posts[i] = &models.Post{
			ChannelID:       rule.ChannelID,
			Kind:            rule.Kind,
			Caption:         rule.Caption,
			MediaURLs:       rule.MediaURLs,
			ScheduleKind:    models.ScheduleRecurring,
			ScheduledAt:     &t,
			RecurrenceID:    &rule.ID,
			Status:          models.PostStatusScheduled,
			VerificationTag: NewVerificationTag(),
		}
	}
	return posts
}

func (s *Service) validate(input CreatePostInput, now time.Time) error {
	switch input.Kind {
	case models.KindFeedPost, models.KindStory, models.KindReel, models.KindCarousel:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", input.Kind)}
	}

	if len(input.MediaURLs) == 0 {
		return &ValidationError{Field: "media_urls", Reason: "at least one media URL is required"}
	}

	// Stories may go out caption-less, everything else needs one.
	if input.Caption == "" && input.Kind != models.KindStory {
		return &ValidationError{Field: "caption", Reason: "caption is required for non-story posts"}
	}
	if max := s.config.MaxCaptionLength; max > 0 && len(input.Caption) > max {
		return &ValidationError{Field: "caption", Reason: fmt.Sprintf("caption exceeds %d characters", max)}
	}

	switch input.ScheduleKind {
	case models.ScheduleImmediate:

	case models.ScheduleOneShot:
		if input.ScheduledAt == nil {
			return &ValidationError{Field: "scheduled_at", Reason: "required for one-shot schedules"}
		}
		if !input.ScheduledAt.After(now) {
			return &ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
		}

	case models.ScheduleRecurring:
		if input.Recurrence == nil {
			return &ValidationError{Field: "recurrence", Reason: "required for recurring schedules"}
		}
		switch input.Recurrence.Frequency {
		case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly:
		default:
			return &ValidationError{Field: "recurrence.frequency", Reason: fmt.Sprintf("unknown frequency %q", input.Recurrence.Frequency)}
		}
		if _, _, err := recurrence.ParseTimeOfDay(input.Recurrence.TimeOfDay); err != nil {
			return &ValidationError{Field: "recurrence.time_of_day", Reason: err.Error()}
		}
		for _, d := range input.Recurrence.DaysOfWeek {
			if d < 0 || d > 6 {
				return &ValidationError{Field: "recurrence.days_of_week", Reason: fmt.Sprintf("weekday index %d out of range", d)}
			}
		}
		if input.Recurrence.EndDate != nil && !input.Recurrence.EndDate.After(now) {
			return &ValidationError{Field: "recurrence.end_date", Reason: "must be in the future"}
		}

	default:
		return &ValidationError{Field: "schedule_kind", Reason: fmt.Sprintf("unknown schedule kind %q", input.ScheduleKind)}
	}

	return nil
}

// NewVerificationTag generates a short opaque token embedded into the sent
// content so the verifier can recognize the story in the platform listing.
// Derived from a UUID so collisions inside one 24h story window are not a concern.
func NewVerificationTag() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:10])
}
