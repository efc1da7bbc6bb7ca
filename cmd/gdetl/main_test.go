package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfig_Defaults(t *testing.T) {
	cfg, err := resolveConfig([]string{"--sis", "myedbc", "--input", "data/in"})
	require.NoError(t, err)

	assert.Equal(t, "myedbc", cfg.SIS)
	assert.Equal(t, "data/in", cfg.Input)
	assert.Equal(t, "data/output", cfg.Output)
	assert.Equal(t, "config/mappings", cfg.Mappings)
	assert.Equal(t, "none", cfg.Audit)
	assert.Equal(t, "none", cfg.Metrics)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestResolveConfig_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("GDETL_SIS", "myedbc")
	t.Setenv("GDETL_INPUT", "/srv/extracts")
	t.Setenv("GDETL_OUTPUT", "/srv/out")
	t.Setenv("GDETL_AUDIT", "sqlite")
	t.Setenv("GDETL_AUDIT_DSN", "audit.db")

	cfg, err := resolveConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "myedbc", cfg.SIS)
	assert.Equal(t, "/srv/extracts", cfg.Input)
	assert.Equal(t, "/srv/out", cfg.Output)
	assert.Equal(t, "sqlite", cfg.Audit)
	assert.Equal(t, "audit.db", cfg.AuditDSN)
}

func TestResolveConfig_FlagBeatsEnvironment(t *testing.T) {
	t.Setenv("GDETL_SIS", "from-env")
	t.Setenv("GDETL_OUTPUT", "/env/out")

	cfg, err := resolveConfig([]string{"--sis", "from-flag", "--input", "in", "--output", "/flag/out"})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.SIS)
	assert.Equal(t, "/flag/out", cfg.Output)
}

func TestResolveConfig_RequiredSettings(t *testing.T) {
	_, err := resolveConfig([]string{"--input", "in"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--sis")

	_, err = resolveConfig([]string{"--sis", "myedbc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--input")
}

func TestNewLogger_LevelSelection(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
		warnOn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, true},
		{"error", false, false},
		{"bogus", false, true}, // unknown levels fall back to info
	}
	for _, tc := range tests {
		l := newLogger(Config{LogLevel: tc.level, LogFormat: "text"})
		assert.Equal(t, tc.debugOn, l.Enabled(t.Context(), slog.LevelDebug), "level %q debug", tc.level)
		assert.Equal(t, tc.warnOn, l.Enabled(t.Context(), slog.LevelWarn), "level %q warn", tc.level)
	}
}
