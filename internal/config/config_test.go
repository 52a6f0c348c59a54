package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/config"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	// An explicitly named but missing file is an error; only the implicit
	// lookup is allowed to fall back to defaults.
	require.Error(t, err)

	cfg = config.Default()
	assert.Equal(t, config.ModeLocal, cfg.Execution.Mode)
	assert.Equal(t, 25, cfg.Agent.MaxActionsPerTurn)
	assert.Equal(t, 30*time.Second, cfg.Execution.CommandTimeout)
	assert.True(t, cfg.Browser.Headless)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
execution:
  mode: hybrid
  command_timeout: 5s
agent:
  max_actions_per_turn: 7
browser:
  headless: false
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.ModeHybrid, cfg.Execution.Mode)
	assert.Equal(t, 5*time.Second, cfg.Execution.CommandTimeout)
	assert.Equal(t, 7, cfg.Agent.MaxActionsPerTurn)
	assert.False(t, cfg.Browser.Headless)
	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestValidate_RejectsBadMode(t *testing.T) {
	cfg := config.Default()
	cfg.Execution.Mode = "teleport"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveBudget(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.MaxActionsPerTurn = 0
	require.Error(t, cfg.Validate())
}
