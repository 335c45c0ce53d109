package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 30*time.Second, cfg.FaceTimeout)
	assert.True(t, cfg.AllowDuplicateSameDay)
	assert.True(t, cfg.RequireSingleFace)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.CloudinaryEnabled())
	assert.False(t, cfg.Production())
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("DB_DRIVER", "PGX")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("ALLOW_DUPLICATE_SAME_DAY", "false")
	t.Setenv("REGISTER_REQUIRE_SINGLE_FACE", "false")
	t.Setenv("FACE_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.False(t, cfg.AllowDuplicateSameDay)
	assert.False(t, cfg.RequireSingleFace)
	assert.Equal(t, 5*time.Second, cfg.FaceTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.True(t, cfg.Production())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "attendance.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \"7000\"\nqueue_backend: redis\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.QueueBackend)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load("does-not-exist.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := App{DBDriver: "sqlite3", DatabaseURL: "x.db", QueueBackend: "memory", HTTPPort: "80", MaxUploadMB: 1}
	require.NoError(t, base.Validate())

	bad := base
	bad.DBDriver = "mysql"
	assert.Error(t, bad.Validate())

	bad = base
	bad.QueueBackend = "kafka"
	assert.Error(t, bad.Validate())

	bad = base
	bad.MaxUploadMB = 0
	assert.Error(t, bad.Validate())
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
