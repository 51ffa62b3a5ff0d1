package app_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wormhole/internal/app"
	"wormhole/internal/proxy"
)

func TestLoad(t *testing.T) {
	cfg, err := app.Load([]byte(`
RelayURL = "ws://127.0.0.1:4000/v1"
TransitHelper = "tcp:127.0.0.1:4001"
CodeLength = 3
Verify = true
LonelyTimeout = 60000

[Logging]
Level = "debug"
`))
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:4000/v1", cfg.RelayURL)
	require.Equal(t, 3, cfg.CodeLength)
	require.True(t, cfg.Verify)
	require.Equal(t, 60000, cfg.LonelyTimeout)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, app.DefaultAppID, cfg.AppID)
	require.Equal(t, app.DefaultTransitTimeout, cfg.TransitTimeout)
	require.Equal(t, 3, cfg.MaxAuthFailures)
}

func TestLoad_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"undecoded":  `NoSuchKey = 1`,
		"bad level":  "[Logging]\nLevel = \"LOUD\"",
		"bad relay":  `RelayURL = "http://example.com"`,
		"bad helper": `TransitHelper = "nowhere"`,
		"bad length": `CodeLength = 9`,
		"not toml":   `=`,
	} {
		_, err := app.Load([]byte(body))
		require.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wormhole.toml")
	require.NoError(t, os.WriteFile(path, []byte("Tor = true\n"), 0o600))

	cfg, err := app.LoadFile(path)
	require.NoError(t, err)
	require.True(t, cfg.NoListen)
	require.True(t, cfg.Proxy.Enabled())
	require.Equal(t, proxy.TypeTorSocks5, cfg.Proxy.Type)
	require.Equal(t, proxy.DefaultTorAddress, cfg.Proxy.Address)

	_, err = app.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := app.Default()
	require.NoError(t, cfg.FixupAndValidate())
	require.Equal(t, app.DefaultRelayURL, cfg.RelayURL)
	require.Equal(t, app.DefaultTransitHelper, cfg.TransitHelper)
	require.Equal(t, "NOTICE", cfg.Logging.Level)
	require.False(t, cfg.NoListen)
}
