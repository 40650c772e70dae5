package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Stages       StagesConfig    `yaml:"stages" mapstructure:"stages"`
	Budget       BudgetConfig    `yaml:"budget" mapstructure:"budget"`
	Scheduler    SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Scoring      ScoringConfig   `yaml:"scoring" mapstructure:"scoring"`
	Requirements string          `yaml:"requirements_file" mapstructure:"requirements_file"`
	Server       ServerConfig    `yaml:"server" mapstructure:"server"`
	Notify       NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Log          LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the result store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings for the strategic stage.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// StagesConfig configures per-stage execution. The strategic timeout is
// larger than the extract timeout since LLM generation is slower than
// text extraction.
type StagesConfig struct {
	ExtractTimeoutSecs   int `yaml:"extract_timeout_secs" mapstructure:"extract_timeout_secs"`
	EntitiesTimeoutSecs  int `yaml:"entities_timeout_secs" mapstructure:"entities_timeout_secs"`
	StrategicTimeoutSecs int `yaml:"strategic_timeout_secs" mapstructure:"strategic_timeout_secs"`
	MaxAttempts          int `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxExtractBytes      int `yaml:"max_extract_bytes" mapstructure:"max_extract_bytes"`
}

// Timeout returns the configured timeout for a stage id string.
func (c StagesConfig) Timeout(stage string) time.Duration {
	switch stage {
	case "extract":
		return time.Duration(c.ExtractTimeoutSecs) * time.Second
	case "entities":
		return time.Duration(c.EntitiesTimeoutSecs) * time.Second
	case "strategic":
		return time.Duration(c.StrategicTimeoutSecs) * time.Second
	default:
		return 30 * time.Second
	}
}

// BudgetConfig configures the spend ceiling per billing window.
type BudgetConfig struct {
	CeilingUSD      float64 `yaml:"ceiling_usd" mapstructure:"ceiling_usd"`
	WindowMinutes   int     `yaml:"window_minutes" mapstructure:"window_minutes"`
	StrategicEstUSD float64 `yaml:"strategic_estimate_usd" mapstructure:"strategic_estimate_usd"`
}

// SchedulerConfig configures job admission and the worker pool.
type SchedulerConfig struct {
	Workers             int `yaml:"workers" mapstructure:"workers"`
	MaxConcurrentLLM    int `yaml:"max_concurrent_llm" mapstructure:"max_concurrent_llm"`
	LLMRatePerMinute    int `yaml:"llm_rate_per_minute" mapstructure:"llm_rate_per_minute"`
	JobTimeoutMinutes   int `yaml:"job_timeout_minutes" mapstructure:"job_timeout_minutes"`
	JanitorIntervalSecs int `yaml:"janitor_interval_secs" mapstructure:"janitor_interval_secs"`
}

// ScoringConfig holds the fixed risk-factor weights. Weights sum to 1.0;
// Load rejects configurations where they do not.
type ScoringConfig struct {
	TimelineWeight    float64 `yaml:"timeline_weight" mapstructure:"timeline_weight"`
	CompetitionWeight float64 `yaml:"competition_weight" mapstructure:"competition_weight"`
	ComplexityWeight  float64 `yaml:"complexity_weight" mapstructure:"complexity_weight"`
	ComplianceWeight  float64 `yaml:"compliance_weight" mapstructure:"compliance_weight"`
	BaseMarginPct     float64 `yaml:"base_margin_pct" mapstructure:"base_margin_pct"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// NotifyConfig configures the webhook notifier. An empty URL disables it.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tender-intel.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("stages.extract_timeout_secs", 30)
	v.SetDefault("stages.entities_timeout_secs", 20)
	v.SetDefault("stages.strategic_timeout_secs", 120)
	v.SetDefault("stages.max_attempts", 3)
	v.SetDefault("stages.max_extract_bytes", 1<<20)
	v.SetDefault("budget.ceiling_usd", 0.0)
	v.SetDefault("budget.window_minutes", 60)
	v.SetDefault("budget.strategic_estimate_usd", 0.02)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_concurrent_llm", 2)
	v.SetDefault("scheduler.llm_rate_per_minute", 30)
	v.SetDefault("scheduler.job_timeout_minutes", 15)
	v.SetDefault("scheduler.janitor_interval_secs", 30)
	v.SetDefault("scoring.timeline_weight", 0.30)
	v.SetDefault("scoring.competition_weight", 0.25)
	v.SetDefault("scoring.complexity_weight", 0.25)
	v.SetDefault("scoring.compliance_weight", 0.20)
	v.SetDefault("scoring.base_margin_pct", 35.0)
	v.SetDefault("requirements_file", "requirements.yaml")
	v.SetDefault("notify.timeout_secs", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Scoring.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the risk weights sum to 1.0 within tolerance.
func (s ScoringConfig) Validate() error {
	sum := s.TimelineWeight + s.CompetitionWeight + s.ComplexityWeight + s.ComplianceWeight
	if sum < 0.999 || sum > 1.001 {
		return eris.Errorf("config: risk weights sum to %.3f, want 1.0", sum)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
