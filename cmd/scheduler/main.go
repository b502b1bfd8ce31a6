package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/story-agent/internal/config"
	"github.com/story-agent/internal/insights"
	"github.com/story-agent/internal/instagram"
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
		Use:   "story-scheduler",
		Short: "Background scheduler for the story agent",
		Long: `Runs scheduled verification, insights collection and recurrence
extension in the background. This daemon should be run as a service
for autonomous operation.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting Story Agent Scheduler")

	repo, err = sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Start health check server for Render
	go startHealthServer()

	// Initialize rate limiter
	limiter := ratelimit.NewLimiterWithRate(cfg.RateLimit.GraphRequestsPerHour)

	// Initialize Instagram client with env-only OAuth (tokens from env vars)
	oauthManager := instagram.NewOAuthManagerEnvOnly(cfg.Instagram, log)
	client := instagram.NewClient(oauthManager, limiter, cfg.Instagram.APIVersion, log)

	// Create the job services
	schedulerService := scheduler.NewService(repo, cfg.Scheduling, log)
	orchestrator := verify.NewOrchestrator(repo, client, cfg.Verification, log)
	collector := insights.NewCollector(repo, client, cfg.Insights, log)

	// Optional Sheets audit trail
	sheetsTracker, err := tracker.NewSheetsTracker(tracker.Config(cfg.Tracker), log)
	if err != nil {
		log.Warn().Err(err).Msg("Sheets tracker unavailable, continuing without audit export")
	} else if sheetsTracker != nil {
		if err := sheetsTracker.InitializeSheet(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit sheet")
		} else {
			orchestrator.SetAudit(sheetsTracker)
			log.Info().Msg("Sheets audit trail enabled")
		}
	}

	// Create cron scheduler
	c := cron.New(cron.WithLogger(cronLogger{log}))

	// Schedule verification job
	_, err = c.AddFunc(cfg.Scheduler.VerifyCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Verification.RunBudget)
		defer cancel()
		log.Info().Msg("Running scheduled verification")

		result, err := orchestrator.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled verification failed")
			return
		}

		log.Info().
			Int("selected", result.Selected).
			Int("verified", result.Verified).
			Int("failed", result.Failed).
			Msg("Scheduled verification completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule verification job: %w", err)
	}
	log.Info().Str("cron", cfg.Scheduler.VerifyCron).Msg("Verification job scheduled")

	// Schedule insights job
	_, err = c.AddFunc(cfg.Scheduler.InsightsCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Insights.RunBudget)
		defer cancel()
		log.Info().Msg("Running scheduled insights collection")

		result, err := collector.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled insights collection failed")
			return
		}

		log.Info().
			Int("selected", result.Selected).
			Int("fetched", result.Fetched).
			Int("failed", result.Failed).
			Msg("Scheduled insights collection completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule insights job: %w", err)
	}
	log.Info().Str("cron", cfg.Scheduler.InsightsCron).Msg("Insights job scheduled")

	// Schedule recurrence horizon extension
	_, err = c.AddFunc(cfg.Scheduler.ExtendCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		log.Info().Msg("Running recurrence horizon extension")

		created, err := schedulerService.ExtendRecurrences(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Recurrence extension failed")
			return
		}

		log.Info().Int("posts_created", created).Msg("Recurrence extension completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule extension job: %w", err)
	}
	log.Info().Str("cron", cfg.Scheduler.ExtendCron).Msg("Extension job scheduled")

	// Start scheduler
	c.Start()
	log.Info().Msg("Scheduler started")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down scheduler")
	c.Stop()

	return nil
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info().Msgf(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Msgf(msg, keysAndValues...)
}

// startHealthServer starts a simple HTTP server for health checks (used by Render)
func startHealthServer() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "10000"
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Story Agent Scheduler"))
	})

	log.Info().Str("port", port).Msg("Health check server starting")
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Error().Err(err).Msg("Health server failed")
	}
}
