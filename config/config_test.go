package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	content := `
server:
  port: 6060
  data_dir: ` + filepath.Join(dir, "data") + `
  upload_dir: ` + filepath.Join(dir, "data", "uploads") + `
log:
  level: DEBUG
  file: ` + filepath.Join(dir, "logs", "sync.log") + `
db:
  file: ` + filepath.Join(dir, "db", "queue.db") + `
remote:
  base_url: http://central.example:5000/
  attachment_strategy: single
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeConfig(t, dir))
	require.NoError(t, err)

	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://central.example:5000", cfg.Remote.BaseURL)
	assert.Equal(t, "single", cfg.Remote.AttachmentStrategy)
	assert.Equal(t, 60*time.Second, cfg.Remote.Timeout())
	assert.Equal(t, []string{"facialData", "medicalHistory"}, cfg.Remote.FileFields)
	assert.Equal(t, "/api/v1/users/generated/{generatedId}", cfg.Remote.ResolverEndpoints["user"])
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, 15, cfg.Sync.IntervalMinutes)

	assert.DirExists(t, filepath.Join(dir, "data", "uploads"))
	assert.DirExists(t, filepath.Join(dir, "logs"))
	assert.DirExists(t, filepath.Join(dir, "db"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BALAGRUHA_REMOTE_BASE_URL", "http://override:9000")
	t.Setenv("BALAGRUHA_SYNC_INTERVAL_MINUTES", "3")

	cfg, err := Load(writeConfig(t, dir))
	require.NoError(t, err)

	assert.Equal(t, "http://override:9000", cfg.Remote.BaseURL)
	assert.Equal(t, 3, cfg.Sync.IntervalMinutes)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BALAGRUHA_SERVER_DATA_DIR", filepath.Join(dir, "d"))
	t.Setenv("BALAGRUHA_SERVER_UPLOAD_DIR", filepath.Join(dir, "u"))
	t.Setenv("BALAGRUHA_LOG_FILE", filepath.Join(dir, "l", "x.log"))
	t.Setenv("BALAGRUHA_DB_FILE", filepath.Join(dir, "q.db"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "q.db"), cfg.DB.File)
}
