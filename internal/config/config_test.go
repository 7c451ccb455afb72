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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
global:
  base_dir: /tmp/newsreap
servers:
  - host: news.example.com
    username: u
    password: p
    secure: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(768*1024), cfg.Posting.MaxArticleSize)
	assert.Equal(t, "auto", cfg.Posting.MaxArchiveSize)
	assert.Equal(t, 5, cfg.Processing.Threads)
	assert.Equal(t, "info", cfg.Log.Level)

	// work_dir expands <base_dir>
	assert.Equal(t, "/tmp/newsreap/var/tmp", cfg.Global.WorkDir)

	srv := cfg.Servers[0]
	assert.Equal(t, 563, srv.Port, "TLS servers default to 563")
	assert.Equal(t, 1, srv.Priority)
	assert.Equal(t, "news.example.com:563", srv.Addr())
}

func TestLoadPlaintextPortDefault(t *testing.T) {
	path := writeConfig(t, `
servers:
  - host: news.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 119, cfg.Servers[0].Port)
}

func TestLoadNormalizesBackups(t *testing.T) {
	path := writeConfig(t, `
servers:
  - host: primary.example.com
    priority: 2
    backups:
      - host: backup.example.com
        secure: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Servers[0].Backups, 1)
	b := cfg.Servers[0].Backups[0]
	assert.Equal(t, 563, b.Port)
	assert.Equal(t, 1, b.Priority)
}

func TestLoadRejectsNoServers(t *testing.T) {
	path := writeConfig(t, "port: \"9000\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one server")
}

func TestLoadRejectsMissingHost(t *testing.T) {
	path := writeConfig(t, `
servers:
  - username: u
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
