package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/story-agent/internal/config"
	"github.com/story-agent/internal/models"
	"github.com/story-agent/internal/storage"
	"github.com/story-agent/pkg/logger"
)

type fakeRepo struct {
	storage.Repository

	posts    map[uint]*models.Post
	channels map[uint]*models.Channel

	verifiable []uint // IDs returned by ListVerifiablePosts, in order
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		posts:    make(map[uint]*models.Post),
		channels: make(map[uint]*models.Channel),
	}
}

func (r *fakeRepo) addChannel(id uint) {
	r.channels[id] = &models.Channel{ID: id, Name: "main", IGUserID: "1789", Enabled: true}
}

func (r *fakeRepo) addPost(post *models.Post) {
	r.posts[post.ID] = post
}

func (r *fakeRepo) ListVerifiablePosts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Post, error) {
	var out []*models.Post
	for _, id := range r.verifiable {
		out = append(out, r.posts[id])
	}
	return out, nil
}

func (r *fakeRepo) GetPostByID(ctx context.Context, id uint) (*models.Post, error) {
	post, ok := r.posts[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return post, nil
}

func (r *fakeRepo) GetChannelByID(ctx context.Context, id uint) (*models.Channel, error) {
	channel, ok := r.channels[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return channel, nil
}

func (r *fakeRepo) MarkVerified(ctx context.Context, id uint, update storage.VerifiedUpdate) (bool, error) {
	post := r.posts[id]
	if post.VerificationStatus == models.VerificationVerified {
		return false, nil
	}
	post.Status = models.PostStatusVerified
	post.VerificationStatus = models.VerificationVerified
	post.VerificationAttempts++
	post.VerifiedExternalID = update.ExternalID
	post.VerifiedPermalink = update.Permalink
	post.VerifiedAt = &update.PostedAt
	post.VerifiedByFallback = update.ViaFallback
	post.VerificationError = ""
	return true, nil
}

func (r *fakeRepo) RecordVerificationFailure(ctx context.Context, id uint, reason string, terminal bool) (bool, error) {
	post := r.posts[id]
	if post.VerificationStatus == models.VerificationVerified {
		return false, nil
	}
	post.VerificationAttempts++
	post.VerificationError = reason
	if terminal {
		post.Status = models.PostStatusVerificationFailed
	}
	return true, nil
}

type fakeLister struct {
	calls      int
	candidates []models.StoryCandidate
	err        error
}

func (l *fakeLister) ListCurrentStories(ctx context.Context, channel *models.Channel) ([]models.StoryCandidate, error) {
	l.calls++
	return l.candidates, l.err
}

// perChannelLister routes listing calls by channel so channels can fail independently
type perChannelLister struct {
	byChannel map[string]*fakeLister
}

func (l *perChannelLister) ListCurrentStories(ctx context.Context, channel *models.Channel) ([]models.StoryCandidate, error) {
	return l.byChannel[channel.IGUserID].ListCurrentStories(ctx, channel)
}

// conflictRepo simulates a concurrent run winning every verified write
type conflictRepo struct {
	*fakeRepo
}

func (r *conflictRepo) MarkVerified(ctx context.Context, id uint, update storage.VerifiedUpdate) (bool, error) {
	return false, nil
}

func newTestOrchestrator(repo storage.Repository, lister StoryLister) *Orchestrator {
	o := NewOrchestrator(repo, lister, config.VerificationConfig{BatchSize: 100, RunBudget: 5 * time.Minute}, logger.Default())
	o.now = func() time.Time { return now }
	return o
}

func TestRunVerifiesImmediateStory(t *testing.T) {
	sentAt := now.Add(-2 * time.Minute)
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(sentAt, "AB12CD34EF", "https://cdn.example.com/clip.mp4")
	post.ID = 7
	post.ChannelID = 1
	repo.addPost(post)
	repo.verifiable = []uint{7}

	lister := &fakeLister{candidates: []models.StoryCandidate{
		candidate("ext-1", "launch day AB12CD34EF", models.MediaTypeVideo, sentAt.Add(30*time.Second)),
	}}

	result, err := newTestOrchestrator(repo, lister).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Selected)
	assert.Equal(t, 1, result.Verified)
	assert.Equal(t, 0, result.Failed)

	assert.Equal(t, models.PostStatusVerified, post.Status)
	assert.Equal(t, models.VerificationVerified, post.VerificationStatus)
	assert.Equal(t, 1, post.VerificationAttempts)
	assert.Equal(t, "ext-1", post.VerifiedExternalID)
	assert.False(t, post.VerifiedByFallback)
}

func TestRunLostWriteRaceCountsConflict(t *testing.T) {
	sentAt := now.Add(-2 * time.Minute)
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(sentAt, "AB12CD34EF", "https://cdn.example.com/clip.mp4")
	post.ID = 7
	post.ChannelID = 1
	repo.addPost(post)
	repo.verifiable = []uint{7}

	lister := &fakeLister{candidates: []models.StoryCandidate{
		candidate("ext-1", "launch day AB12CD34EF", models.MediaTypeVideo, sentAt.Add(30*time.Second)),
	}}

	result, err := newTestOrchestrator(&conflictRepo{repo}, lister).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Selected)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 0, result.Verified)
	assert.Equal(t, 0, result.Failed)

	// The losing writer must not touch the post
	assert.Equal(t, 0, post.VerificationAttempts)
	assert.Equal(t, models.PostStatusSent, post.Status)
}

func TestRunIsolatesPerPostFailures(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	repo := newFakeRepo()
	repo.channels[1] = &models.Channel{ID: 1, IGUserID: "acct-ok", Enabled: true}
	repo.channels[2] = &models.Channel{ID: 2, IGUserID: "acct-bad", Enabled: true}

	tags := []string{"TAG1AAAAAA", "TAG2BBBBBB", "TAG3CCCCCC"}
	channelIDs := []uint{1, 2, 1}
	for i := range tags {
		post := sentStory(sentAt, tags[i])
		post.ID = uint(i + 1)
		post.ChannelID = channelIDs[i]
		repo.addPost(post)
		repo.verifiable = append(repo.verifiable, post.ID)
	}

	okLister := &fakeLister{candidates: []models.StoryCandidate{
		candidate("s1", "TAG1AAAAAA", models.MediaTypeImage, sentAt),
		candidate("s3", "TAG3CCCCCC", models.MediaTypeImage, sentAt),
	}}
	badLister := &fakeLister{err: errors.New("connection reset")}
	lister := &perChannelLister{byChannel: map[string]*fakeLister{
		"acct-ok":  okLister,
		"acct-bad": badLister,
	}}

	result, err := newTestOrchestrator(repo, lister).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Verified)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)

	// The failing post keeps retryable state with the attempt recorded.
	failed := repo.posts[2]
	assert.Equal(t, models.PostStatusSent, failed.Status)
	assert.Equal(t, 1, failed.VerificationAttempts)
	assert.Contains(t, failed.VerificationError, "platform listing failed")

	assert.Equal(t, models.PostStatusVerified, repo.posts[1].Status)
	assert.Equal(t, models.PostStatusVerified, repo.posts[3].Status)
}

func TestRunListsEachChannelOnce(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	repo := newFakeRepo()
	repo.addChannel(1)
	for i := uint(1); i <= 3; i++ {
		post := sentStory(sentAt, "NOTPRESENT")
		post.ID = i
		post.ChannelID = 1
		repo.addPost(post)
		repo.verifiable = append(repo.verifiable, i)
	}

	lister := &fakeLister{}
	result, err := newTestOrchestrator(repo, lister).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, lister.calls)
	assert.Equal(t, 3, result.NotFound)
}

func TestRunNotFoundStaysRetryable(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(sentAt, "AB12CD34EF")
	post.ID = 1
	post.ChannelID = 1
	repo.addPost(post)
	repo.verifiable = []uint{1}

	lister := &fakeLister{}
	orchestrator := newTestOrchestrator(repo, lister)

	// Two consecutive runs: each records its own attempt, status stays sent.
	_, err := orchestrator.Run(context.Background())
	require.NoError(t, err)
	_, err = orchestrator.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.PostStatusSent, post.Status)
	assert.Equal(t, 2, post.VerificationAttempts)
}

func TestRunExpiredIsTerminal(t *testing.T) {
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(now.Add(-25*time.Hour), "AB12CD34EF")
	post.ID = 1
	post.ChannelID = 1
	repo.addPost(post)
	repo.verifiable = []uint{1}

	result, err := newTestOrchestrator(repo, &fakeLister{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, models.PostStatusVerificationFailed, post.Status)
	assert.Equal(t, 1, post.VerificationAttempts)
}

func TestRunStopsWhenBudgetExhausted(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	repo := newFakeRepo()
	repo.addChannel(1)
	for i := uint(1); i <= 5; i++ {
		post := sentStory(sentAt, "NOTPRESENT")
		post.ID = i
		post.ChannelID = 1
		repo.addPost(post)
		repo.verifiable = append(repo.verifiable, i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestOrchestrator(repo, &fakeLister{}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Selected)
	assert.Equal(t, 0, result.NotFound)
	for _, post := range repo.posts {
		assert.Equal(t, 0, post.VerificationAttempts)
	}
}

func TestForceVerifyRejectsNonStories(t *testing.T) {
	repo := newFakeRepo()
	post := sentStory(now.Add(-1*time.Hour), "AB12CD34EF")
	post.ID = 1
	post.Kind = models.KindFeedPost
	repo.addPost(post)

	_, err := newTestOrchestrator(repo, &fakeLister{}).ForceVerify(context.Background(), 1, "alex")
	assert.Error(t, err)
}

func TestForceVerifyRejectsUnsentPosts(t *testing.T) {
	repo := newFakeRepo()
	post := sentStory(now.Add(-1*time.Hour), "AB12CD34EF")
	post.ID = 1
	post.Status = models.PostStatusScheduled
	repo.addPost(post)

	_, err := newTestOrchestrator(repo, &fakeLister{}).ForceVerify(context.Background(), 1, "alex")
	assert.Error(t, err)
}

func TestForceVerifyAlreadyVerifiedReturnsStoredResult(t *testing.T) {
	repo := newFakeRepo()
	post := sentStory(now.Add(-1*time.Hour), "AB12CD34EF")
	post.ID = 1
	post.Status = models.PostStatusVerified
	post.VerificationStatus = models.VerificationVerified
	post.VerificationAttempts = 2
	post.VerifiedExternalID = "ext-9"
	post.VerifiedPermalink = "https://instagram.com/stories/ext-9"
	repo.addPost(post)

	lister := &fakeLister{}
	result, err := newTestOrchestrator(repo, lister).ForceVerify(context.Background(), 1, "alex")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyVerified, result.Outcome)
	assert.Equal(t, "ext-9", result.ExternalID)
	assert.Equal(t, 0, lister.calls, "no platform query for an already-verified post")
	assert.Equal(t, 2, post.VerificationAttempts, "attempt count untouched")
}

func TestForceVerifyExpiredRecordsTerminalAttempt(t *testing.T) {
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(now.Add(-30*time.Hour), "AB12CD34EF")
	post.ID = 1
	post.ChannelID = 1
	repo.addPost(post)

	lister := &fakeLister{}
	result, err := newTestOrchestrator(repo, lister).ForceVerify(context.Background(), 1, "alex")
	require.NoError(t, err)

	assert.Equal(t, OutcomeExpired, result.Outcome)
	assert.Equal(t, 0, lister.calls, "no platform query for an expired post")
	assert.Equal(t, models.PostStatusVerificationFailed, post.Status)
	assert.Equal(t, 1, post.VerificationAttempts)
}

func TestForceVerifyAmbiguousSurfacesCandidates(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(sentAt, "NOTPRESENT")
	post.ID = 1
	post.ChannelID = 1
	repo.addPost(post)

	lister := &fakeLister{candidates: []models.StoryCandidate{
		candidate("c1", "first", models.MediaTypeImage, sentAt.Add(time.Minute)),
		candidate("c2", "second", models.MediaTypeImage, sentAt.Add(2*time.Minute)),
	}}

	result, err := newTestOrchestrator(repo, lister).ForceVerify(context.Background(), 1, "alex")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAmbiguous, result.Outcome)
	assert.Len(t, result.Candidates, 2)
	assert.Equal(t, models.PostStatusSent, post.Status, "manual resolution required, still retryable")
	assert.Equal(t, 1, post.VerificationAttempts)
}

func TestForceVerifySuccess(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(sentAt, "AB12CD34EF")
	post.ID = 1
	post.ChannelID = 1
	repo.addPost(post)

	lister := &fakeLister{candidates: []models.StoryCandidate{
		candidate("ext-1", "AB12CD34EF", models.MediaTypeImage, sentAt),
	}}

	result, err := newTestOrchestrator(repo, lister).ForceVerify(context.Background(), 1, "alex")
	require.NoError(t, err)

	assert.Equal(t, OutcomeVerified, result.Outcome)
	assert.Equal(t, "ext-1", result.ExternalID)
	assert.False(t, result.ViaFallback)
	assert.Equal(t, models.PostStatusVerified, post.Status)
}

type recordingAudit struct {
	entries []AuditEntry
}

func (a *recordingAudit) RecordVerification(ctx context.Context, entry AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func TestAuditEntriesCarryOperator(t *testing.T) {
	sentAt := now.Add(-1 * time.Hour)
	repo := newFakeRepo()
	repo.addChannel(1)
	post := sentStory(sentAt, "AB12CD34EF")
	post.ID = 1
	post.ChannelID = 1
	repo.addPost(post)

	lister := &fakeLister{candidates: []models.StoryCandidate{
		candidate("ext-1", "AB12CD34EF", models.MediaTypeImage, sentAt),
	}}

	orchestrator := newTestOrchestrator(repo, lister)
	audit := &recordingAudit{}
	orchestrator.SetAudit(audit)

	_, err := orchestrator.ForceVerify(context.Background(), 1, "alex")
	require.NoError(t, err)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, OutcomeVerified, audit.entries[0].Outcome)
	assert.Equal(t, "alex", audit.entries[0].Operator)
	assert.Equal(t, uint(1), audit.entries[0].PostID)
}
