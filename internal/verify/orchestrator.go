package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/story-agent/internal/config"
	"github.com/story-agent/internal/models"
	"github.com/story-agent/internal/storage"
	"github.com/story-agent/pkg/logger"
)

// StoryLister is the slice of the platform client the orchestrator needs
type StoryLister interface {
	ListCurrentStories(ctx context.Context, channel *models.Channel) ([]models.StoryCandidate, error)
}

// AuditEntry is one verification attempt in the audit trail
type AuditEntry struct {
	PostID      uint
	ChannelID   uint
	Outcome     OutcomeKind
	ViaFallback bool
	Error       string
	Operator    string // empty for batch runs
	Duration    time.Duration
	At          time.Time
}

// AuditSink receives every verification outcome (success or failure)
type AuditSink interface {
	RecordVerification(ctx context.Context, entry AuditEntry) error
}

// Orchestrator reconciles sent stories against the platform's current listing.
// It backs both the periodic batch job and the manual force-verify operation.
type Orchestrator struct {
	repository storage.Repository
	platform   StoryLister
	audit      AuditSink // optional
	config     config.VerificationConfig
	log        *logger.Logger
	now        func() time.Time
}

// NewOrchestrator creates a new verification orchestrator
func NewOrchestrator(repo storage.Repository, platform StoryLister, cfg config.VerificationConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		repository: repo,
		platform:   platform,
		config:     cfg,
		log:        log.WithComponent("verify"),
		now:        time.Now,
	}
}

// SetAudit attaches an audit sink (e.g. the Sheets tracker)
func (o *Orchestrator) SetAudit(a AuditSink) {
	o.audit = a
}

// BatchResult summarizes one batch run
type BatchResult struct {
	Selected  int
	Verified  int
	NotFound  int
	Ambiguous int
	Expired   int
	Failed    int // platform or persistence errors
	Conflicts int // lost a concurrent-write race
	Duration  time.Duration
	Errors    []error
}

// Run verifies one batch of eligible posts. Posts are processed newest baseline
// first and strictly independently: a failure on one, including a platform API
// error, is recorded against that post and the loop moves on. The context
// deadline is the run's wall-clock budget; when it expires the remaining posts
// are left for the next invocation, which re-derives eligibility from state.
func (o *Orchestrator) Run(ctx context.Context) (*BatchResult, error) {
	started := o.now()
	result := &BatchResult{}

	posts, err := o.repository.ListVerifiablePosts(ctx, started.Add(-StoryTTL), o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select verifiable posts: %w", err)
	}
	result.Selected = len(posts)

	// One listing per channel per run; stories move slowly enough that reusing
	// the snapshot across the batch is safe.
	listings := make(map[uint][]models.StoryCandidate)
	listErrs := make(map[uint]error)

	for _, post := range posts {
		if ctx.Err() != nil {
			o.log.Warn().
				Int("remaining", result.Selected-result.Verified-result.NotFound-result.Ambiguous-result.Expired-result.Failed).
				Msg("Run budget exhausted, stopping batch")
			break
		}

		candidates, err := o.listForChannel(ctx, post, listings, listErrs)
		if err != nil {
			o.recordFailure(ctx, post, fmt.Sprintf("platform listing failed: %v", err), false)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("post %d: %w", post.ID, err))
			continue
		}

		outcome, err := o.applyOutcome(ctx, post, candidates, "")
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("post %d: %w", post.ID, err))
			continue
		}
		switch outcome.Kind {
		case OutcomeVerified:
			result.Verified++
		case OutcomeNotFound:
			result.NotFound++
		case OutcomeAmbiguous:
			result.Ambiguous++
		case OutcomeExpired:
			result.Expired++
		case OutcomeAlreadyVerified:
			result.Conflicts++
		}
	}

	result.Duration = o.now().Sub(started)
	o.log.Info().
		Int("selected", result.Selected).
		Int("verified", result.Verified).
		Int("not_found", result.NotFound).
		Int("ambiguous", result.Ambiguous).
		Int("expired", result.Expired).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Verification batch finished")

	return result, nil
}

func (o *Orchestrator) listForChannel(ctx context.Context, post *models.Post, listings map[uint][]models.StoryCandidate, listErrs map[uint]error) ([]models.StoryCandidate, error) {
	if err, ok := listErrs[post.ChannelID]; ok {
		return nil, err
	}
	if candidates, ok := listings[post.ChannelID]; ok {
		return candidates, nil
	}

	channel := post.Channel
	if channel == nil {
		var err error
		channel, err = o.repository.GetChannelByID(ctx, post.ChannelID)
		if err != nil {
			listErrs[post.ChannelID] = err
			return nil, err
		}
	}

	candidates, err := o.platform.ListCurrentStories(ctx, channel)
	if err != nil {
		listErrs[post.ChannelID] = err
		return nil, err
	}
	listings[post.ChannelID] = candidates
	return candidates, nil
}

// applyOutcome runs the match engine and persists the result. Returns the
// outcome actually recorded; a lost write race comes back as already_verified.
func (o *Orchestrator) applyOutcome(ctx context.Context, post *models.Post, candidates []models.StoryCandidate, operator string) (Outcome, error) {
	started := o.now()
	outcome := Match(post, candidates, started)

	log := o.log.WithPostID(post.ID).WithChannelID(post.ChannelID)
	if operator != "" {
		log = log.WithOperator(operator)
	}

	switch outcome.Kind {
	case OutcomeAlreadyVerified:
		// Short-circuit: no attempt counted, no write.

	case OutcomeVerified:
		applied, err := o.repository.MarkVerified(ctx, post.ID, storage.VerifiedUpdate{
			ExternalID:  outcome.Candidate.ExternalID,
			Permalink:   outcome.Candidate.Permalink,
			PostedAt:    outcome.Candidate.Timestamp,
			ViaFallback: outcome.ViaFallback,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to persist verification")
			return outcome, fmt.Errorf("persisting verification: %w", err)
		}
		if !applied {
			// A concurrent run won the race; discard our result.
			log.Warn().Msg("Verification write conflict, post already verified elsewhere")
			outcome = Outcome{Kind: OutcomeAlreadyVerified}
		} else {
			log.Info().
				Str("external_id", outcome.Candidate.ExternalID).
				Bool("via_fallback", outcome.ViaFallback).
				Msg("Story verified")
		}

	case OutcomeExpired:
		o.recordFailure(ctx, post, "story TTL elapsed before verification", true)
		log.Warn().Time("baseline", post.BaselineTime()).Msg("Story expired unverified")

	case OutcomeNotFound:
		o.recordFailure(ctx, post, "no matching story in platform listing", false)
		log.Info().Int("candidates", len(candidates)).Msg("No match this attempt")

	case OutcomeAmbiguous:
		o.recordFailure(ctx, post, fmt.Sprintf("ambiguous fallback match: %d candidates", len(outcome.Candidates)), false)
		log.Warn().Int("survivors", len(outcome.Candidates)).Msg("Ambiguous match, manual resolution required")
	}

	o.recordAudit(ctx, post, outcome, operator, o.now().Sub(started))
	return outcome, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, post *models.Post, reason string, terminal bool) {
	if _, err := o.repository.RecordVerificationFailure(ctx, post.ID, reason, terminal); err != nil {
		o.log.Error().Err(err).Uint("post_id", post.ID).Msg("Failed to record verification failure")
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, post *models.Post, outcome Outcome, operator string, duration time.Duration) {
	if o.audit == nil {
		return
	}

	entry := AuditEntry{
		PostID:      post.ID,
		ChannelID:   post.ChannelID,
		Outcome:     outcome.Kind,
		ViaFallback: outcome.ViaFallback,
		Operator:    operator,
		Duration:    duration,
		At:          o.now(),
	}
	if outcome.Kind != OutcomeVerified && outcome.Kind != OutcomeAlreadyVerified {
		entry.Error = string(outcome.Kind)
	}

	if err := o.audit.RecordVerification(ctx, entry); err != nil {
		o.log.Warn().Err(err).Uint("post_id", post.ID).Msg("Failed to append audit entry")
	}
}

// ForceResult is the structured response of a forced verification, detailed
// enough that an operator can act without reading logs.
type ForceResult struct {
	PostID      uint
	Outcome     OutcomeKind
	ViaFallback bool
	ExternalID  string
	Permalink   string
	Candidates  []models.StoryCandidate // populated on ambiguity
}

// ForceVerify runs verification for one post on demand, bypassing the batch
// selection but honoring expiry. Already-verified posts return their existing
// result instead of erroring; non-story or not-yet-sent posts are rejected.
func (o *Orchestrator) ForceVerify(ctx context.Context, postID uint, operator string) (*ForceResult, error) {
	post, err := o.repository.GetPostByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("post %d not found: %w", postID, err)
	}

	if !post.IsStory() {
		return nil, fmt.Errorf("post %d is a %s, only stories are verified", postID, post.Kind)
	}

	if post.IsVerified() {
		// No attempt counted, no platform query.
		return &ForceResult{
			PostID:      post.ID,
			Outcome:     OutcomeAlreadyVerified,
			ViaFallback: post.VerifiedByFallback,
			ExternalID:  post.VerifiedExternalID,
			Permalink:   post.VerifiedPermalink,
		}, nil
	}

	if post.Status != models.PostStatusSent {
		return nil, fmt.Errorf("post %d has status %s, expected %s", postID, post.Status, models.PostStatusSent)
	}

	now := o.now()
	if now.Sub(post.BaselineTime()) > StoryTTL {
		// Expired posts are rejected, not silently skipped. The attempt still counts.
		o.recordFailure(ctx, post, "story TTL elapsed before verification", true)
		o.recordAudit(ctx, post, Outcome{Kind: OutcomeExpired}, operator, 0)
		return &ForceResult{PostID: post.ID, Outcome: OutcomeExpired}, nil
	}

	channel := post.Channel
	if channel == nil {
		channel, err = o.repository.GetChannelByID(ctx, post.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("channel %d not found: %w", post.ChannelID, err)
		}
	}

	candidates, err := o.platform.ListCurrentStories(ctx, channel)
	if err != nil {
		o.recordFailure(ctx, post, fmt.Sprintf("platform listing failed: %v", err), false)
		return nil, fmt.Errorf("platform listing failed: %w", err)
	}

	outcome, err := o.applyOutcome(ctx, post, candidates, operator)
	if err != nil {
		return nil, err
	}

	result := &ForceResult{
		PostID:      post.ID,
		Outcome:     outcome.Kind,
		ViaFallback: outcome.ViaFallback,
		Candidates:  outcome.Candidates,
	}
	switch outcome.Kind {
	case OutcomeVerified:
		result.ExternalID = outcome.Candidate.ExternalID
		result.Permalink = outcome.Candidate.Permalink
	case OutcomeAlreadyVerified:
		// Lost a race against a concurrent batch run; report the stored result.
		if fresh, err := o.repository.GetPostByID(ctx, postID); err == nil {
			result.ViaFallback = fresh.VerifiedByFallback
			result.ExternalID = fresh.VerifiedExternalID
			result.Permalink = fresh.VerifiedPermalink
		}
	}

	return result, nil
}
