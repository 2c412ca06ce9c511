package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "XRP/USDC", s.DefaultSymbol)
	assert.Equal(t, 20000, s.TimeoutMS)
	assert.True(t, s.EnableRateLimit)
	assert.False(t, s.SandboxMode)
	assert.Equal(t, "info", s.Logging.Level)
	assert.Equal(t, "text", s.Logging.Format)
	assert.Equal(t, "stderr", s.Logging.Output)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DEFAULT_SYMBOL", "btc/usdc")
	t.Setenv("TIMEOUT_MS", "5000")
	t.Setenv("ENABLE_RATE_LIMIT", "false")
	t.Setenv("SANDBOX_MODE", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "BTC/USDC", s.DefaultSymbol, "symbol is upcased")
	assert.Equal(t, 5000, s.TimeoutMS)
	assert.False(t, s.EnableRateLimit)
	assert.True(t, s.SandboxMode)
	assert.Equal(t, "debug", s.Logging.Level)
	assert.Equal(t, "json", s.Logging.Format)
}

func TestLoadRejectsBadSymbol(t *testing.T) {
	for _, symbol := range []string{"XRPUSDC", "XRP/USDT", "XRP/", "/USDC"} {
		t.Setenv("DEFAULT_SYMBOL", symbol)
		_, err := Load()
		assert.Error(t, err, symbol)
	}
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	t.Setenv("TIMEOUT_MS", "-1")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TIMEOUT_MS", "0")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadFileOutputRequiresPath(t *testing.T) {
	t.Setenv("LOG_OUTPUT", "file")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("LOG_FILE_PATH", "/tmp/gridkeeper.log")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file", s.Logging.Output)
}

func TestLoadRejectsUnknownLogOutput(t *testing.T) {
	t.Setenv("LOG_OUTPUT", "syslog")
	_, err := Load()
	assert.Error(t, err)
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TIMEOUT_MS", "not-a-number")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20000, s.TimeoutMS)
}
