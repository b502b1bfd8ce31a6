package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Instagram    InstagramConfig    `mapstructure:"instagram"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Scheduling   SchedulingConfig   `mapstructure:"scheduling"`
	Verification VerificationConfig `mapstructure:"verification"`
	Insights     InsightsConfig     `mapstructure:"insights"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"` // SQLite file path
}

// InstagramConfig holds Instagram Graph API settings
type InstagramConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	Scopes       []string `mapstructure:"scopes"`
	APIVersion   string   `mapstructure:"api_version"`
	// Token injection from environment (for headless deployment)
	AccessToken    string `mapstructure:"access_token"`
	RefreshToken   string `mapstructure:"refresh_token"`
	TokenExpiresAt string `mapstructure:"token_expires_at"`
}

// SchedulerConfig holds the cron expressions driving the background jobs
type SchedulerConfig struct {
	VerifyCron   string `mapstructure:"verify_cron"`
	InsightsCron string `mapstructure:"insights_cron"`
	ExtendCron   string `mapstructure:"extend_cron"`
}

// SchedulingConfig holds post-creation settings
type SchedulingConfig struct {
	HorizonDays      int `mapstructure:"horizon_days"`       // how far ahead recurring posts are materialized
	MaxCaptionLength int `mapstructure:"max_caption_length"` // platform caption limit
}

// VerificationConfig holds verification batch settings
type VerificationConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	RunBudget time.Duration `mapstructure:"run_budget"` // wall-clock ceiling per batch run
}

// InsightsConfig holds insights collection batch settings
type InsightsConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	RunBudget time.Duration `mapstructure:"run_budget"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	GraphRequestsPerHour int `mapstructure:"graph_requests_per_hour"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// TrackerConfig holds Google Sheets audit trail settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in current directory and configs folder
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		// Also check user's home directory
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".story-agent"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("STORY")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("instagram.client_id", "STORY_INSTAGRAM_CLIENT_ID")
	v.BindEnv("instagram.client_secret", "STORY_INSTAGRAM_CLIENT_SECRET")
	v.BindEnv("instagram.access_token", "STORY_INSTAGRAM_ACCESS_TOKEN")
	v.BindEnv("instagram.refresh_token", "STORY_INSTAGRAM_REFRESH_TOKEN")
	v.BindEnv("instagram.token_expires_at", "STORY_INSTAGRAM_TOKEN_EXPIRES_AT")
	v.BindEnv("database.dsn", "STORY_DATABASE_DSN")
	v.BindEnv("tracker.enabled", "STORY_TRACKER_ENABLED")
	v.BindEnv("tracker.spreadsheet_id", "STORY_TRACKER_SPREADSHEET_ID")
	v.BindEnv("tracker.credentials_file", "STORY_TRACKER_CREDENTIALS_FILE")
	v.BindEnv("tracker.service_account_json", "STORY_TRACKER_SERVICE_ACCOUNT_JSON")
	v.BindEnv("scheduling.horizon_days", "STORY_SCHEDULING_HORIZON_DAYS")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.dsn", "./data/story-agent.db")

	// Instagram defaults
	v.SetDefault("instagram.redirect_uri", "http://localhost:8080/callback")
	v.SetDefault("instagram.scopes", []string{
		"instagram_basic",
		"instagram_manage_insights",
		"pages_read_engagement",
	})
	v.SetDefault("instagram.api_version", "v19.0")

	// Scheduler defaults
	v.SetDefault("scheduler.verify_cron", "*/5 * * * *")    // frequent: stories expire after 24h
	v.SetDefault("scheduler.insights_cron", "0 */12 * * *") // twice a day
	v.SetDefault("scheduler.extend_cron", "30 3 * * *")     // extend recurrence horizon nightly

	// Scheduling defaults
	v.SetDefault("scheduling.horizon_days", 90)
	v.SetDefault("scheduling.max_caption_length", 2200)

	// Verification defaults
	v.SetDefault("verification.batch_size", 100)
	v.SetDefault("verification.run_budget", "5m")

	// Insights defaults
	v.SetDefault("insights.batch_size", 100)
	v.SetDefault("insights.run_budget", "10m")

	// Rate limit defaults
	v.SetDefault("rate_limit.graph_requests_per_hour", 200)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	// Tracker defaults
	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.sheet_name", "Verifications")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Instagram.AccessToken == "" && c.Instagram.ClientID == "" {
		return fmt.Errorf("instagram.access_token or instagram.client_id is required")
	}
	if c.Scheduling.HorizonDays <= 0 {
		return fmt.Errorf("scheduling.horizon_days must be positive")
	}
	if c.Verification.BatchSize <= 0 {
		return fmt.Errorf("verification.batch_size must be positive")
	}
	return nil
}
