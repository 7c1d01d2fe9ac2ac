package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// Point at a file that does not exist so no user config leaks in.
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(".tasksync", "tasks.db"), cfg.Database.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 50.0, cfg.Server.RateLimit)
	assert.Equal(t, 100, cfg.Server.RateBurst)
	assert.Equal(t, "last-write-wins", cfg.Sync.UpdatePolicy)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
	assert.Equal(t, 200*time.Millisecond, cfg.Inbox.Debounce)
	assert.Empty(t, cfg.Inbox.Dir)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasksync.yaml", `
database:
  path: /var/lib/tasksync/tasks.db
server:
  port: 9090
  read_timeout: 3s
sync:
  update_policy: version-checked
inbox:
  dir: /srv/inbox
`)
	t.Setenv("TASKSYNC_SERVER_PORT", "9191")
	t.Setenv("TASKSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tasksync/tasks.db", cfg.Database.Path)
	assert.Equal(t, 9191, cfg.Server.Port, "env beats file")
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "version-checked", cfg.Sync.UpdatePolicy)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/srv/inbox", cfg.Inbox.OutboxDir())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "policy", content: "sync:\n  update_policy: merge\n", wantErr: "sync.update_policy"},
		{name: "format", content: "log:\n  format: xml\n", wantErr: "log.format"},
		{name: "port", content: "server:\n  port: 70000\n", wantErr: "server.port"},
		{name: "syntax", content: "server: [", wantErr: "failed to read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "tasksync.yaml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasksync.yaml", "log:\n  level: info\n")

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)

	levels := make(chan string, 10)
	loader.Watch(func(c *Config) { levels <- c.Log.Level }, nil)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case lvl := <-levels:
			if lvl == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestYAML(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), "update_policy: last-write-wins"), string(out))
	assert.True(t, strings.Contains(string(out), "port: 8080"), string(out))
}
