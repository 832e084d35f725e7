package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestMergeBudget(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 4*2048*4+1024, cfg.MinMergeBudget())
	assert.GreaterOrEqual(t, cfg.ToRunes(cfg.MergeBudget), cfg.MinMergeBudget())

	// Token units scale the budget, not the summary size.
	cfg.ChunkUnit = UnitTokens
	cfg.MergeBudget = 9000
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.LLMProvider = "mystery" }, "llm_provider"},
		{"store", func(c *Config) { c.StoreBackend = "postgres" }, "store_backend"},
		{"broker", func(c *Config) { c.BrokerBackend = "kafka" }, "broker_backend"},
		{"unit", func(c *Config) { c.ChunkUnit = "words" }, "chunk_unit"},
		{"fan-in", func(c *Config) { c.FanIn = 1 }, "fan_in"},
		{"overlap too large", func(c *Config) { c.ChunkOverlap = c.ChunkSize }, "chunk_overlap"},
		{"stall below timeout", func(c *Config) { c.StallTimeout = time.Second }, "stall_timeout"},
		{"merge budget too small", func(c *Config) { c.MergeBudget = 12000 }, "merge_budget"},
		{"fan-in outgrows budget", func(c *Config) { c.FanIn = 8 }, "merge_budget"},
		{"missing openai key", func(c *Config) { c.LLMProvider = ProviderOpenAI }, "OPENAI_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fan_in: 3\nworkers: 8\nstall_timeout: 20m\n"), 0o600))

	t.Setenv("RECAP_CONFIG", path)
	t.Setenv("RECAP_WORKERS", "2")
	t.Setenv("RECAP_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.FanIn, "file overrides default")
	assert.Equal(t, 2, cfg.Workers, "env overrides file")
	assert.Equal(t, 20*time.Minute, cfg.StallTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadAllowedOrigins(t *testing.T) {
	t.Setenv("RECAP_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("RECAP_FAN_IN", "three")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECAP_FAN_IN")
}

func TestToRunes(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 4000, cfg.ToRunes(4000))

	cfg.ChunkUnit = UnitTokens
	assert.Equal(t, 4000, cfg.ToRunes(1000))
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("job created", "job_id", "abc")
	logger.Debug("hidden")

	assert.Contains(t, stderr.String(), "job_id=abc")
	assert.True(t, strings.HasPrefix(file.String(), "{"))
	assert.NotContains(t, file.String(), "hidden")
}
