package opa_client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvAddress, "")
	t.Setenv(EnvToken, "")

	cfg, err := LoadConfig("testdata/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "opa.example.com:8181", cfg.Address)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "debug", cfg.LogLevel)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://opa.example.com:8181", cfg.Address)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(EnvAddress, "")
	t.Setenv(EnvToken, "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAddress, cfg.Address)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv(EnvAddress, "https://opa.internal")
	t.Setenv(EnvToken, "from-env")

	cfg, err := LoadConfig("testdata/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "https://opa.internal", cfg.Address)
	assert.Equal(t, "from-env", cfg.Token)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig("testdata/does-not-exist.yaml")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("timeout: [not a duration"), 0600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestConfigValidateCollectsAll(t *testing.T) {
	cfg := &Config{
		Address:  "ftp://nowhere",
		Timeout:  -time.Second,
		LogLevel: "loud",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "localhost:9191"
	cfg.Token = "t0k3n"
	cfg.Timeout = time.Second

	clienter, err := NewFromConfig(cfg)
	require.NoError(t, err)

	cli, ok := clienter.(*Client)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9191", cli.Address())
	assert.Equal(t, "t0k3n", cli.token)
	assert.Equal(t, time.Second, cli.cli.Timeout)

	_, err = NewFromConfig(&Config{Address: "gopher://x"})
	assert.Error(t, err)
}
