package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Stages.MaxAttempts)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentLLM)
	assert.Equal(t, 15, cfg.Scheduler.JobTimeoutMinutes)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "requirements.yaml", cfg.Requirements)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TENDER_STORE_DRIVER", "postgres")
	t.Setenv("TENDER_SCHEDULER_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
}

func TestStagesConfig_Timeout(t *testing.T) {
	c := StagesConfig{
		ExtractTimeoutSecs:   30,
		EntitiesTimeoutSecs:  20,
		StrategicTimeoutSecs: 120,
	}
	assert.Equal(t, 30*time.Second, c.Timeout("extract"))
	assert.Equal(t, 20*time.Second, c.Timeout("entities"))
	assert.Equal(t, 120*time.Second, c.Timeout("strategic"))
	assert.Equal(t, 30*time.Second, c.Timeout("unknown"))

	// The LLM stage allows more time than extraction.
	assert.Greater(t, c.Timeout("strategic"), c.Timeout("extract"))
}

func TestScoringConfig_Validate(t *testing.T) {
	good := ScoringConfig{TimelineWeight: 0.30, CompetitionWeight: 0.25, ComplexityWeight: 0.25, ComplianceWeight: 0.20}
	assert.NoError(t, good.Validate())

	bad := ScoringConfig{TimelineWeight: 0.5, CompetitionWeight: 0.5, ComplexityWeight: 0.5}
	assert.Error(t, bad.Validate())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
