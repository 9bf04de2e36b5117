package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the threat intelligence store. The
// scoring, clustering, and retention constants live here deliberately: none
// of them is a load-bearing correctness requirement, and operators tune them
// per deployment.
type Config struct {
	// DataPaths holds data directory configuration
	DataPaths struct {
		// DataDir is the base data directory (THREATCLOUD_DATA_DIR, default: ./data)
		DataDir string `mapstructure:"data_dir"`
		// SQLitePath is the database file path (default: ${DataDir}/threatcloud.db)
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"data_paths"`

	API struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// RateLimit bounds per-client request rate on the feed endpoints
		RateLimit struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second"`
			Burst             int     `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	// Reputation holds the scoring weights and decay parameters
	Reputation struct {
		// SightingWeight scales the diminishing-returns sighting term
		SightingWeight float64 `mapstructure:"sighting_weight"`
		// SeverityWeight scales the max-event-severity term
		SeverityWeight float64 `mapstructure:"severity_weight"`
		// DiversityWeight scales the distinct-source corroboration term
		DiversityWeight float64 `mapstructure:"diversity_weight"`
		// DecayHalfLifeDays halves the recency factor per period since last_seen
		DecayHalfLifeDays float64 `mapstructure:"decay_half_life_days"`
		// SeverityPoints maps severity tiers to point values
		SeverityPoints map[string]float64 `mapstructure:"severity_points"`
	} `mapstructure:"reputation"`

	// Correlation holds the clustering thresholds
	Correlation struct {
		// WindowHours is the event window each scan covers
		WindowHours int `mapstructure:"window_hours"`
		// TimeProximity clusters same-technique events this close together
		TimeProximity time.Duration `mapstructure:"time_proximity"`
		// MinClusterSize drops clusters smaller than this
		MinClusterSize int `mapstructure:"min_cluster_size"`
	} `mapstructure:"correlation"`

	// Rules holds the rule generation confidence thresholds
	Rules struct {
		MinSources    int    `mapstructure:"min_sources"`
		MinIndicators int    `mapstructure:"min_indicators"`
		Generator     string `mapstructure:"generator"` // Version tag stamped into rule source
	} `mapstructure:"rules"`

	// Retention holds the lifecycle windows
	Retention struct {
		// StalenessDays: active indicators unseen this long expire
		StalenessDays int `mapstructure:"staleness_days"`
		// PurgeAfterDays: expired indicators are physically removed after this
		PurgeAfterDays int `mapstructure:"purge_after_days"`
		// EventRetentionDays: enriched events older than this are purged
		EventRetentionDays int `mapstructure:"event_retention_days"`
	} `mapstructure:"retention"`

	// Scheduler holds per-job cron cadences (robfig/cron syntax)
	Scheduler struct {
		Enabled             bool   `mapstructure:"enabled"`
		ReputationSchedule  string `mapstructure:"reputation_schedule"`
		ExpirySchedule      string `mapstructure:"expiry_schedule"`
		PurgeSchedule       string `mapstructure:"purge_schedule"`
		CorrelationSchedule string `mapstructure:"correlation_schedule"`
		RuleGenSchedule     string `mapstructure:"rulegen_schedule"`
	} `mapstructure:"scheduler"`

	// Feeds holds egress projection settings
	Feeds struct {
		// MinReputation filters indicators out of public projections
		MinReputation float64 `mapstructure:"min_reputation"`
		// CacheTTL bounds blocklist staleness between rebuilds
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
		// BlocklistMaxEntries caps plain-text blocklist size
		BlocklistMaxEntries int `mapstructure:"blocklist_max_entries"`
	} `mapstructure:"feeds"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8085)
	viper.SetDefault("api.rate_limit.requests_per_second", 10)
	viper.SetDefault("api.rate_limit.burst", 20)

	viper.SetDefault("reputation.sighting_weight", 25.0)
	viper.SetDefault("reputation.severity_weight", 35.0)
	viper.SetDefault("reputation.diversity_weight", 40.0)
	viper.SetDefault("reputation.decay_half_life_days", 30.0)
	viper.SetDefault("reputation.severity_points", map[string]float64{
		"critical": 1.0,
		"high":     0.8,
		"medium":   0.5,
		"low":      0.3,
		"info":     0.1,
	})

	viper.SetDefault("correlation.window_hours", 24)
	viper.SetDefault("correlation.time_proximity", time.Hour)
	viper.SetDefault("correlation.min_cluster_size", 2)

	viper.SetDefault("rules.min_sources", 3)
	viper.SetDefault("rules.min_indicators", 2)
	viper.SetDefault("rules.generator", "threatcloud-rulegen/1")

	viper.SetDefault("retention.staleness_days", 90)
	viper.SetDefault("retention.purge_after_days", 30)
	viper.SetDefault("retention.event_retention_days", 120)

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.reputation_schedule", "@every 1h")
	viper.SetDefault("scheduler.expiry_schedule", "@every 6h")
	viper.SetDefault("scheduler.purge_schedule", "@every 24h")
	viper.SetDefault("scheduler.correlation_schedule", "@every 30m")
	viper.SetDefault("scheduler.rulegen_schedule", "@every 1h")

	viper.SetDefault("feeds.min_reputation", 75.0)
	viper.SetDefault("feeds.cache_ttl", 5*time.Minute)
	viper.SetDefault("feeds.blocklist_max_entries", 100000)
}

// validateConfig rejects values the engines cannot work with
func validateConfig(c *Config) error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.Reputation.DecayHalfLifeDays <= 0 {
		return fmt.Errorf("reputation.decay_half_life_days must be positive")
	}
	if c.Correlation.WindowHours <= 0 {
		return fmt.Errorf("correlation.window_hours must be positive")
	}
	if c.Correlation.TimeProximity <= 0 {
		return fmt.Errorf("correlation.time_proximity must be positive")
	}
	if c.Rules.MinSources < 1 {
		return fmt.Errorf("rules.min_sources must be at least 1")
	}
	if c.Rules.MinIndicators < 1 {
		return fmt.Errorf("rules.min_indicators must be at least 1")
	}
	if c.Retention.StalenessDays < 1 {
		return fmt.Errorf("retention.staleness_days must be at least 1")
	}
	if c.Retention.PurgeAfterDays < 1 {
		return fmt.Errorf("retention.purge_after_days must be at least 1")
	}
	if c.Feeds.MinReputation < 0 || c.Feeds.MinReputation > 100 {
		return fmt.Errorf("feeds.min_reputation must be between 0 and 100")
	}
	return nil
}

// LoadConfig loads configuration from config.yaml and THREATCLOUD_*
// environment variables, falling back to defaults for anything unset.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("THREATCLOUD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "threatcloud.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	c.DataPaths.DataDir = dataDir
}

// StalenessCutoff returns the last-seen cutoff before which active
// indicators expire, relative to now.
func (c *Config) StalenessCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.Retention.StalenessDays)
}

// PurgeCutoff returns the updated-at cutoff before which expired indicators
// are physically removed, relative to now.
func (c *Config) PurgeCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.Retention.PurgeAfterDays)
}

// EventRetentionCutoff returns the timestamp cutoff before which enriched
// events are purged, relative to now.
func (c *Config) EventRetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.Retention.EventRetentionDays)
}
