package serv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInConfigDefaults(t *testing.T) {
	conf, err := ReadInConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err, "a missing service config file falls back to defaults")

	assert.Equal(t, "0.0.0.0:8080", conf.HostPort)
	assert.Equal(t, "./dab-config.json", conf.ConfigPath)
	assert.Equal(t, 30*time.Second, conf.QueryTimeout)
	assert.False(t, conf.RateLimiter.Enabled())
}

func TestReadInConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datagate.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_name: library-gateway
host_port: 127.0.0.1:9090
config_path: ./library.json
query_timeout: 10s
rate_limiter:
  rate: 50
  bucket: 100
`), 0o644))

	conf, err := ReadInConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "library-gateway", conf.AppName)
	assert.Equal(t, "127.0.0.1:9090", conf.HostPort)
	assert.Equal(t, "./library.json", conf.ConfigPath)
	assert.Equal(t, 10*time.Second, conf.QueryTimeout)
	assert.True(t, conf.RateLimiter.Enabled())
}

func TestReadInConfigEnvOverride(t *testing.T) {
	t.Setenv("DG_HOST_PORT", "0.0.0.0:7070")
	conf, err := ReadInConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7070", conf.HostPort)
}
