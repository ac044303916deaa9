package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  name: test-profiled
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-profiled", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.Service.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Service.WorkerIdleTimeout)
	assert.Equal(t, "./data/profiled.db", cfg.State.Path)
	assert.Equal(t, "./data/profiles", cfg.Data.Dir)
	assert.Equal(t, int64(32<<20), cfg.Fetch.MaxBytes)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  name: profiled
  log_level: debug
  tick_interval: 15s
  worker_idle_timeout: 5s
state:
  path: /var/lib/profiled/state.db
data:
  dir: /var/lib/profiled/profiles
fetch:
  timeout: 20s
  max_bytes: 1048576
api:
  enabled: true
  listen: 127.0.0.1:9090
  auth:
    tokens:
      - token: secret
        scopes: ["profiles:rw"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Service.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.Service.WorkerIdleTimeout)
	assert.Equal(t, "/var/lib/profiled/state.db", cfg.State.Path)
	assert.Equal(t, "/var/lib/profiled/profiles", cfg.Data.Dir)
	assert.Equal(t, int64(1048576), cfg.Fetch.MaxBytes)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.API.Listen)
	require.Len(t, cfg.API.Auth.Tokens, 1)
	assert.Equal(t, []string{"profiles:rw"}, cfg.API.Auth.Tokens[0].Scopes)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: from-dir\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-dir", cfg.Service.Name)
}

func TestLoadEnvInterpolation(t *testing.T) {
	t.Setenv("PROFILED_TEST_TOKEN", "tok-abc")
	path := writeConfig(t, `
api:
  enabled: true
  listen: 127.0.0.1:8080
  auth:
    tokens:
      - token: ${PROFILED_TEST_TOKEN}
        scopes: ["*"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", cfg.API.Auth.Tokens[0].Token)
}

func TestLoadRejectsUnresolvedToken(t *testing.T) {
	path := writeConfig(t, `
api:
  enabled: true
  listen: 127.0.0.1:8080
  auth:
    tokens:
      - token: ${PROFILED_DEFINITELY_UNSET_VAR}
        scopes: ["*"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROFILED_DEFINITELY_UNSET_VAR")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
service:
  log_level: loud
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
