package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixupAndValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.FixupAndValidate())
	require.Equal(t, TypeNone, cfg.Type)
	require.False(t, cfg.Enabled())
	require.Nil(t, cfg.ToDialContext("x"))

	cfg = &Config{Type: "TOR+SOCKS5"}
	require.NoError(t, cfg.FixupAndValidate())
	require.Equal(t, DefaultTorAddress, cfg.Address)
	require.Equal(t, netTCP, cfg.Network)
	require.True(t, cfg.Enabled())
	require.NotNil(t, cfg.ToDialContext("rendezvous"))

	cfg = &Config{Type: TypeTorSocks5, User: "u", Password: "p"}
	require.Error(t, cfg.FixupAndValidate())

	cfg = &Config{Type: TypeSocks5, User: "u"}
	require.Error(t, cfg.FixupAndValidate())

	cfg = &Config{Type: TypeSocks5, Network: "tcp", Address: "localhost:1080"}
	require.Error(t, cfg.FixupAndValidate())

	cfg = &Config{Type: "http"}
	require.Error(t, cfg.FixupAndValidate())
}

func TestSOCKS5DialFailsWithoutProxy(t *testing.T) {
	// Nothing listens on port 1 on loopback.
	cfg := &Config{Type: TypeSocks5, Network: "tcp", Address: "127.0.0.1:1"}
	require.NoError(t, cfg.FixupAndValidate())

	dial := cfg.ToDialContext("test")
	_, err := dial(context.Background(), "tcp", "example.com:80")
	require.Error(t, err)
}
