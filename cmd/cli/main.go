package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/story-agent/internal/config"
	"github.com/story-agent/internal/insights"
	"github.com/story-agent/internal/instagram"
	"github.com/story-agent/internal/models"
	"github.com/story-agent/internal/scheduler"
	"github.com/story-agent/internal/storage"
	"github.com/story-agent/internal/storage/sqlite"
	"github.com/story-agent/internal/tracker"
	"github.com/story-agent/internal/verify"
	"github.com/story-agent/pkg/logger"
	"github.com/story-agent/pkg/ratelimit"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	repo    storage.Repository
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "story-agent",
		Short: "Ephemeral story scheduling and verification agent",
		Long: `Schedules Instagram stories and other posts, verifies that sent
stories actually appeared on the platform, and collects story insights.`,
		PersistentPreRunE: initializeApp,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(postsCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(insightsCmd())
	rootCmd.AddCommand(oauthCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	repo, err = sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Run migrations
	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func newPlatformClient() *instagram.Client {
	limiter := ratelimit.NewLimiterWithRate(cfg.RateLimit.GraphRequestsPerHour)
	oauthManager := instagram.NewOAuthManager(cfg.Instagram, repo, log)
	return instagram.NewClient(oauthManager, limiter, cfg.Instagram.APIVersion, log)
}

func newOrchestrator() *verify.Orchestrator {
	orchestrator := verify.NewOrchestrator(repo, newPlatformClient(), cfg.Verification, log)

	sheetsTracker, err := tracker.NewSheetsTracker(tracker.Config(cfg.Tracker), log)
	if err != nil {
		log.Warn().Err(err).Msg("Sheets tracker unavailable, continuing without audit export")
	} else if sheetsTracker != nil {
		if err := sheetsTracker.InitializeSheet(context.Background()); err == nil {
			orchestrator.SetAudit(sheetsTracker)
		}
	}
	return orchestrator
}

// ============ CHANNELS COMMANDS ============

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Channel management",
	}

	cmd.AddCommand(channelsAddCmd())
	cmd.AddCommand(channelsListCmd())
	return cmd
}

func channelsAddCmd() *cobra.Command {
	var name, igUserID string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := &models.Channel{
				Name:     name,
				IGUserID: igUserID,
				Enabled:  true,
			}
			if err := repo.CreateChannel(context.Background(), channel); err != nil {
				return fmt.Errorf("failed to create channel: %w", err)
			}

			fmt.Printf("\n=== Channel Created ===\n")
			fmt.Printf("ID:         %d\n", channel.ID)
			fmt.Printf("Name:       %s\n", channel.Name)
			fmt.Printf("IG User ID: %s\n", channel.IGUserID)
			if !channel.Configured() {
				fmt.Println("\nWarning: no IG user ID set, posts cannot be scheduled to this channel yet")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Channel name (required)")
	cmd.Flags().StringVar(&igUserID, "ig-user-id", "", "Instagram business account ID")
	cmd.MarkFlagRequired("name")
	return cmd
}

func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			channels, err := repo.ListChannels(context.Background())
			if err != nil {
				return err
			}

			if len(channels) == 0 {
				fmt.Println("No channels registered. Run 'story-agent channels add' first.")
				return nil
			}

			fmt.Printf("\n=== Channels (%d) ===\n\n", len(channels))
			for _, c := range channels {
				status := "configured"
				if !c.Configured() {
					status = "not configured"
				}
				fmt.Printf("[%d] %s (%s, enabled=%v)\n", c.ID, c.Name, status, c.Enabled)
			}
			return nil
		},
	}
}

// ============ POSTS COMMANDS ============

func postsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posts",
		Short: "Post management",
	}

	cmd.AddCommand(postsCreateCmd())
	cmd.AddCommand(postsListCmd())
	cmd.AddCommand(postsShowCmd())
	cmd.AddCommand(postsMarkSentCmd())
	return cmd
}

func postsCreateCmd() *cobra.Command {
	var (
		channelID  uint
		kind       string
		caption    string
		mediaURLs  []string
		schedule   string
		at         string
		frequency  string
		daysOfWeek []int
		timeOfDay  string
		endDate    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a post (immediate, one-shot or recurring)",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := scheduler.NewService(repo, cfg.Scheduling, log)

			input := scheduler.CreatePostInput{
				ChannelID:    channelID,
				Kind:         models.PostKind(kind),
				Caption:      caption,
				MediaURLs:    mediaURLs,
				ScheduleKind: models.ScheduleKind(schedule),
			}

			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at, expected RFC3339: %w", err)
				}
				input.ScheduledAt = &t
			}

			if schedule == string(models.ScheduleRecurring) {
				rec := &scheduler.RecurrenceInput{
					Frequency:  models.Frequency(frequency),
					DaysOfWeek: daysOfWeek,
					TimeOfDay:  timeOfDay,
				}
				if endDate != "" {
					t, err := time.Parse(time.RFC3339, endDate)
					if err != nil {
						return fmt.Errorf("invalid --end-date, expected RFC3339: %w", err)
					}
					rec.EndDate = &t
				}
				input.Recurrence = rec
			}

			result, err := svc.CreatePost(context.Background(), input)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Post Created ===\n")
			fmt.Printf("Posts Created: %d\n", len(result.PostIDs))
			if result.RecurrenceID != nil {
				fmt.Printf("Recurrence ID: %d\n", *result.RecurrenceID)
			}
			if result.Tag != "" {
				fmt.Printf("Tag:           %s\n", result.Tag)
			}
			fmt.Printf("Post IDs:      %v\n", result.PostIDs)
			return nil
		},
	}

	cmd.Flags().UintVar(&channelID, "channel", 0, "Channel ID (required)")
	cmd.Flags().StringVar(&kind, "kind", "story", "Post kind: feed_post, story, reel, carousel")
	cmd.Flags().StringVar(&caption, "caption", "", "Caption text")
	cmd.Flags().StringSliceVar(&mediaURLs, "media", nil, "Media URLs, ordered (required)")
	cmd.Flags().StringVar(&schedule, "schedule", "immediate", "Schedule kind: immediate, one_shot, recurring")
	cmd.Flags().StringVar(&at, "at", "", "Scheduled time for one_shot (RFC3339)")
	cmd.Flags().StringVar(&frequency, "frequency", "", "Recurring frequency: daily, weekly, monthly")
	cmd.Flags().IntSliceVar(&daysOfWeek, "days-of-week", nil, "Weekly days, 0=Sunday")
	cmd.Flags().StringVar(&timeOfDay, "time-of-day", "", "Recurring time of day, HH:MM")
	cmd.Flags().StringVar(&endDate, "end-date", "", "Recurring end date, exclusive (RFC3339)")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("media")
	return cmd
}

func postsListCmd() *cobra.Command {
	var (
		status    string
		kind      string
		channelID uint
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultPostFilter()
			filter.Limit = limit
			if status != "" {
				s := models.PostStatus(status)
				filter.Status = &s
			}
			if kind != "" {
				k := models.PostKind(kind)
				filter.Kind = &k
			}
			if channelID != 0 {
				filter.ChannelID = &channelID
			}

			posts, err := repo.ListPosts(context.Background(), filter)
			if err != nil {
				return err
			}

			if len(posts) == 0 {
				fmt.Println("No posts found.")
				return nil
			}

			fmt.Printf("\n=== Posts (%d) ===\n\n", len(posts))
			for _, p := range posts {
				fmt.Printf("[%d] %s/%s status=%s verification=%s attempts=%d\n",
					p.ID, p.Kind, p.ScheduleKind, p.Status, p.VerificationStatus, p.VerificationAttempts)
				if p.ScheduledAt != nil {
					fmt.Printf("    Scheduled: %s\n", p.ScheduledAt.Format(time.RFC3339))
				}
				if p.Caption != "" {
					caption := p.Caption
					if len(caption) > 80 {
						caption = caption[:80] + "..."
					}
					fmt.Printf("    Caption:   %s\n", caption)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	cmd.Flags().UintVar(&channelID, "channel", 0, "Filter by channel")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum posts to list")
	return cmd
}

func postsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [post-id]",
		Short: "Show one post in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid post ID: %s", args[0])
			}

			post, err := repo.GetPostByID(context.Background(), uint(id))
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Post %d ===\n", post.ID)
			fmt.Printf("Channel:      %d\n", post.ChannelID)
			fmt.Printf("Kind:         %s\n", post.Kind)
			fmt.Printf("Schedule:     %s\n", post.ScheduleKind)
			fmt.Printf("Status:       %s\n", post.Status)
			fmt.Printf("Tag:          %s\n", post.VerificationTag)
			fmt.Printf("Baseline:     %s\n", post.BaselineTime().Format(time.RFC3339))
			fmt.Printf("Verification: %s (attempts=%d)\n", post.VerificationStatus, post.VerificationAttempts)
			if post.VerificationError != "" {
				fmt.Printf("Last Error:   %s\n", post.VerificationError)
			}
			if post.IsVerified() {
				fmt.Printf("External ID:  %s\n", post.VerifiedExternalID)
				fmt.Printf("Permalink:    %s\n", post.VerifiedPermalink)
				fmt.Printf("Via Fallback: %v\n", post.VerifiedByFallback)
			}
			if post.AnalyticsFetchedAt != nil {
				reach := 0
				if post.Reach != nil {
					reach = *post.Reach
				}
				fmt.Printf("Insights:     impressions=%d reach=%d replies=%d engagement=%d\n",
					post.Impressions, reach, post.Replies, post.Engagement)
			}
			return nil
		},
	}
}

func postsMarkSentCmd() *cobra.Command {
	var sentAt string

	cmd := &cobra.Command{
		Use:   "mark-sent [post-id]",
		Short: "Mark a scheduled post as sent (manual publisher handoff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid post ID: %s", args[0])
			}

			at := time.Now()
			if sentAt != "" {
				at, err = time.Parse(time.RFC3339, sentAt)
				if err != nil {
					return fmt.Errorf("invalid --sent-at, expected RFC3339: %w", err)
				}
			}

			if err := repo.MarkSent(context.Background(), uint(id), at); err != nil {
				return err
			}

			fmt.Printf("Post %d marked sent at %s\n", id, at.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&sentAt, "sent-at", "", "Actual send time (RFC3339, default now)")
	return cmd
}

// ============ VERIFY COMMANDS ============

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Story verification",
	}

	cmd.AddCommand(verifyRunCmd())
	cmd.AddCommand(verifyForceCmd())
	return cmd
}

func verifyRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one verification batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Verification.RunBudget)
			defer cancel()

			result, err := newOrchestrator().Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Verification Results ===\n")
			fmt.Printf("Selected:  %d\n", result.Selected)
			fmt.Printf("Verified:  %d\n", result.Verified)
			fmt.Printf("Not Found: %d\n", result.NotFound)
			fmt.Printf("Ambiguous: %d\n", result.Ambiguous)
			fmt.Printf("Expired:   %d\n", result.Expired)
			fmt.Printf("Failed:    %d\n", result.Failed)
			fmt.Printf("Duration:  %s\n", result.Duration)

			if len(result.Errors) > 0 {
				fmt.Printf("\nErrors:\n")
				for _, e := range result.Errors {
					fmt.Printf("  - %s\n", e)
				}
			}
			return nil
		},
	}
}

func verifyForceCmd() *cobra.Command {
	var operator string

	cmd := &cobra.Command{
		Use:   "force [post-id]",
		Short: "Force verification of one post now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid post ID: %s", args[0])
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			result, err := newOrchestrator().ForceVerify(ctx, uint(id), operator)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Forced Verification ===\n")
			fmt.Printf("Post ID: %d\n", result.PostID)
			fmt.Printf("Outcome: %s\n", result.Outcome)

			switch result.Outcome {
			case verify.OutcomeVerified, verify.OutcomeAlreadyVerified:
				fmt.Printf("External ID:  %s\n", result.ExternalID)
				fmt.Printf("Permalink:    %s\n", result.Permalink)
				fmt.Printf("Via Fallback: %v\n", result.ViaFallback)
			case verify.OutcomeAmbiguous:
				fmt.Printf("\nCandidates (%d), resolve manually:\n", len(result.Candidates))
				for _, c := range result.Candidates {
					fmt.Printf("  - %s  posted=%s  type=%s  %s\n",
						c.ExternalID, c.Timestamp.Format(time.RFC3339), c.MediaType, c.Permalink)
				}
			case verify.OutcomeExpired:
				fmt.Println("\nStory TTL has elapsed; the post was marked verification_failed.")
			case verify.OutcomeNotFound:
				fmt.Println("\nNo matching story in the current platform listing.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity recorded in the audit trail (required)")
	cmd.MarkFlagRequired("operator")
	return cmd
}

// ============ INSIGHTS COMMANDS ============

func insightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Story insights collection",
	}

	cmd.AddCommand(insightsRunCmd())
	return cmd
}

func insightsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one insights collection batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Insights.RunBudget)
			defer cancel()

			collector := insights.NewCollector(repo, newPlatformClient(), cfg.Insights, log)
			result, err := collector.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Insights Results ===\n")
			fmt.Printf("Selected: %d\n", result.Selected)
			fmt.Printf("Fetched:  %d\n", result.Fetched)
			fmt.Printf("Skipped:  %d\n", result.Skipped)
			fmt.Printf("Failed:   %d\n", result.Failed)
			fmt.Printf("Duration: %s\n", result.Duration)

			if len(result.Errors) > 0 {
				fmt.Printf("\nErrors:\n")
				for _, e := range result.Errors {
					fmt.Printf("  - %s\n", e)
				}
			}
			return nil
		},
	}
}

// ============ OAUTH COMMANDS ============

func oauthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Instagram OAuth management",
	}

	cmd.AddCommand(oauthLoginCmd())
	cmd.AddCommand(oauthStatusCmd())
	cmd.AddCommand(oauthExportCmd())
	return cmd
}

func oauthLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Start Instagram OAuth login flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			oauthManager := instagram.NewOAuthManager(cfg.Instagram, repo, log)

			state, err := instagram.GenerateState()
			if err != nil {
				return fmt.Errorf("failed to generate state: %w", err)
			}

			fmt.Printf("Open this URL in your browser and authorize the app:\n\n%s\n", oauthManager.GetAuthURL(state))
			fmt.Printf("\nPaste the 'code' query parameter from the redirect URL: ")

			reader := bufio.NewReader(os.Stdin)
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read code: %w", err)
			}

			token, err := oauthManager.ExchangeCode(ctx, strings.TrimSpace(code))
			if err != nil {
				return fmt.Errorf("OAuth failed: %w", err)
			}

			fmt.Println("\nAuthentication successful!")
			fmt.Printf("Token expires at: %s\n", token.ExpiresAt.Format(time.RFC1123))
			return nil
		},
	}
}

func oauthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check OAuth token status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			oauthManager := instagram.NewOAuthManager(cfg.Instagram, repo, log)
			valid, expiresAt, err := oauthManager.GetTokenStatus(ctx)

			if err != nil {
				fmt.Println("Status: Not authenticated")
				fmt.Println("Run 'story-agent oauth login' to authenticate")
				return nil
			}

			fmt.Printf("Status:     %s\n", map[bool]string{true: "Valid", false: "Expired"}[valid])
			fmt.Printf("Expires at: %s\n", expiresAt.Format(time.RFC1123))

			if !valid {
				fmt.Println("\nToken expired. Run 'story-agent oauth login' to re-authenticate")
			}

			return nil
		},
	}
}

func oauthExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export OAuth token for environment variables (headless deployment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			token, err := repo.GetToken(ctx, "instagram")
			if err != nil {
				return fmt.Errorf("no token found - run 'oauth login' first: %w", err)
			}

			fmt.Println("# Instagram OAuth Token - Copy these to your environment variables:")
			fmt.Printf("STORY_INSTAGRAM_ACCESS_TOKEN=%s\n", token.AccessToken)
			fmt.Printf("STORY_INSTAGRAM_REFRESH_TOKEN=%s\n", token.RefreshToken)
			fmt.Printf("STORY_INSTAGRAM_TOKEN_EXPIRES_AT=%s\n", token.ExpiresAt.Format(time.RFC3339))

			return nil
		},
	}
}
