package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surething-project/SmartSpace-sub004/internal/config"
)

func TestApplyOverrides_Environment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KAGENT_AGENT_ID", "ka7")
	t.Setenv("KAGENT_DATABASE_ENGINE", "badger")
	t.Setenv("KAGENT_DATABASE_PATH", dir)
	t.Setenv("KAGENT_HEARTBEAT_INTERVAL_SECONDS", "5")
	initConfig()

	cfg := config.Default("")
	applyOverrides(cfg)

	assert.Equal(t, "ka7", cfg.Agent.ID)
	assert.Equal(t, config.EngineBadger, cfg.Database.Engine)
	assert.Equal(t, dir, cfg.Database.Path)
	assert.Equal(t, 5, cfg.Heartbeat.IntervalSeconds)
	require.NoError(t, cfg.Validate())
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  group_id: g1\ncache:\n  policy: lfu\n"), 0644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", path, "--agent-id", "ka3"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "agent.id\tka3")
	assert.Contains(t, out.String(), "agent.group_id\tg1")
	assert.Contains(t, out.String(), "cache.policy\tlfu")
}

func TestInitLogger(t *testing.T) {
	logger, err := initLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = initLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
