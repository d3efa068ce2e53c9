package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	rwerrors "github.com/lucid-vigil/ransomward/pkg/errors"
)

// Config is the top-level configuration struct for the application.
// It holds settings for logging, the status API, the detection pipeline,
// the anomaly model, and defensive actions. Tags are used by Viper to map
// YAML keys to struct fields.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	APIPort  string         `mapstructure:"api_port"`
	Paths    []string       `mapstructure:"paths"` // monitored roots, one pipeline each
	Detect   DetectConfig   `mapstructure:"detection"`
	Model    ModelConfig    `mapstructure:"model"`
	Actions  ActionsConfig  `mapstructure:"actions"`
	EventBus EventBusConfig `mapstructure:"event_bus"`
}

// DetectConfig defines the windowing and escalation parameters of the
// detection pipeline.
type DetectConfig struct {
	WindowDuration    time.Duration `mapstructure:"window_duration"`
	FeatureSet        []string      `mapstructure:"feature_set"`
	ScoreThreshold    float64       `mapstructure:"score_threshold"`
	AlertCountLimit   int           `mapstructure:"alert_count_limit"`
	ConfirmCountLimit int           `mapstructure:"confirm_count_limit"`
}

// ModelConfig defines the isolation forest hyperparameters and where trained
// models are stored on disk.
type ModelConfig struct {
	NEstimators   int    `mapstructure:"n_estimators"`
	SubsampleSize int    `mapstructure:"subsample_size"`
	Seed          int64  `mapstructure:"seed"`
	StoreDir      string `mapstructure:"store_dir"`
	TrainWindows  int    `mapstructure:"train_windows"`
}

// ActionsConfig holds the global configuration for all defensive actions.
// Enabled=false is monitor-only mode: the pipeline scores and logs but never
// invokes the responder.
type ActionsConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	OnAlert []string     `mapstructure:"on_alert"` // actions to run on escalation
	Notify  NotifyConfig `mapstructure:"notify"`
}

// NotifyConfig configures the admin email notification action. An empty
// smtp_addr leaves the action unregistered.
type NotifyConfig struct {
	SMTPAddr string   `mapstructure:"smtp_addr"` // host:port
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// EventBusConfig controls the internal event bus used to decouple the scoring
// loop from responder and log side effects.
type EventBusConfig struct {
	BufferSize     int     `mapstructure:"buffer_size"`
	EventsPerMin   float64 `mapstructure:"events_per_min"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// LoadConfig reads the configuration from a YAML file (e.g., config.yaml) and
// environment variables. It uses Viper for configuration management, allowing
// for defaults and environment variable overrides. The returned config has
// already passed Validate.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ransomward/")

	// Set default values
	v.SetDefault("log_level", "info")
	v.SetDefault("api_port", "8080")
	v.SetDefault("detection.window_duration", "5s")
	v.SetDefault("detection.feature_set", DefaultFeatureSet())
	v.SetDefault("detection.score_threshold", 0.7)
	v.SetDefault("detection.alert_count_limit", 3)
	v.SetDefault("detection.confirm_count_limit", 3)
	v.SetDefault("model.n_estimators", 100)
	v.SetDefault("model.subsample_size", 256)
	v.SetDefault("model.seed", 42)
	v.SetDefault("model.store_dir", "models")
	v.SetDefault("model.train_windows", 200)
	v.SetDefault("actions.enabled", false) // Actions disabled by default
	v.SetDefault("event_bus.buffer_size", 1000)
	v.SetDefault("event_bus.events_per_min", 600)
	v.SetDefault("event_bus.rate_limit_burst", 50)

	// Read environment variables
	v.SetEnvPrefix("RANSOMWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultFeatureSet returns the ordered feature names used when the config
// file does not override them. Order fixes the model dimensionality, so a
// model trained on one feature set cannot score vectors built from another.
func DefaultFeatureSet() []string {
	return []string{
		"create_rate",
		"modify_rate",
		"delete_rate",
		"rename_rate",
		"distinct_extension_count",
		"mean_entropy_delta",
		"write_burst_ratio",
	}
}

// Validate rejects invalid parameter combinations before monitoring starts.
// Invalid configuration is never silently defaulted.
func (c *Config) Validate() error {
	if c.Detect.WindowDuration <= 0 {
		return rwerrors.NewConfigurationError("config", "window_duration must be positive", map[string]interface{}{
			"window_duration": c.Detect.WindowDuration.String(),
		})
	}
	if len(c.Detect.FeatureSet) == 0 {
		return rwerrors.NewConfigurationError("config", "feature_set must not be empty", nil)
	}
	if c.Detect.ScoreThreshold <= 0 || c.Detect.ScoreThreshold >= 1 {
		return rwerrors.NewConfigurationError("config", "score_threshold must be in (0,1)", map[string]interface{}{
			"score_threshold": c.Detect.ScoreThreshold,
		})
	}
	if c.Detect.AlertCountLimit < 1 {
		return rwerrors.NewConfigurationError("config", "alert_count_limit must be at least 1", map[string]interface{}{
			"alert_count_limit": c.Detect.AlertCountLimit,
		})
	}
	if c.Detect.ConfirmCountLimit < 1 {
		return rwerrors.NewConfigurationError("config", "confirm_count_limit must be at least 1", map[string]interface{}{
			"confirm_count_limit": c.Detect.ConfirmCountLimit,
		})
	}
	if c.Model.NEstimators < 1 {
		return rwerrors.NewConfigurationError("config", "n_estimators must be at least 1", map[string]interface{}{
			"n_estimators": c.Model.NEstimators,
		})
	}
	if c.Model.SubsampleSize < 2 {
		return rwerrors.NewConfigurationError("config", "subsample_size must be at least 2", map[string]interface{}{
			"subsample_size": c.Model.SubsampleSize,
		})
	}
	return nil
}
