package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Limits.MaxDurationSeconds)
	assert.Equal(t, 1000, cfg.Limits.MaxThreads)
	assert.Equal(t, 5, cfg.Limits.MaxConcurrentTests)
	assert.Equal(t, 1000, cfg.Supervisor.MergeIntervalMs)
	assert.Equal(t, 10, cfg.Supervisor.StartupGraceSeconds)
	assert.Equal(t, "direct", cfg.Proxy.ExhaustionPolicy)
	assert.Equal(t, 3, cfg.Proxy.FailureThreshold)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "orchestrator", cfg.Metrics.Namespace)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"limits": {"max_duration_seconds": 60, "max_threads": 100},
		"proxy": {"exhaustion_policy": "fail"},
		"storage": {"type": "sqlite", "path": "/tmp/t.db"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Limits.MaxDurationSeconds)
	assert.Equal(t, 100, cfg.Limits.MaxThreads)
	assert.Equal(t, "fail", cfg.Proxy.ExhaustionPolicy)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	// Untouched sections still get defaults.
	assert.Equal(t, 5, cfg.Limits.MaxConcurrentTests)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad policy":       `{"proxy": {"exhaustion_policy": "retry"}}`,
		"bad storage type": `{"storage": {"type": "dynamo"}}`,
		"threads too high": `{"limits": {"max_threads": 200000}}`,
		"duration too big": `{"limits": {"max_duration_seconds": 90000}}`,
		"not json":         `{`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestReload(t *testing.T) {
	path := writeConfig(t, `{"limits": {"max_threads": 100}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Limits.MaxThreads)

	require.NoError(t, os.WriteFile(path, []byte(`{"limits": {"max_threads": 200}}`), 0644))
	require.NoError(t, cfg.Reload())
	assert.Equal(t, 200, cfg.Limits.MaxThreads)
}
