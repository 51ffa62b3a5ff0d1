package log_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/log"
)

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wormhole.log")
	b, err := log.New(path, "info", false)
	require.NoError(t, err)

	l := b.GetLogger("session")
	l.Infof("claimed %s", "4")
	l.Debugf("not shown")
	require.NoError(t, b.Close())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(out), "INFO session: claimed 4")
	require.NotContains(t, string(out), "not shown")
}

func TestNew_BadLevel(t *testing.T) {
	_, err := log.New("", "LOUD", false)
	require.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	for s, want := range map[string]logging.Level{
		"error":   logging.ERROR,
		"WARNING": logging.WARNING,
		"Notice":  logging.NOTICE,
		"info":    logging.INFO,
		"DEBUG":   logging.DEBUG,
	} {
		got, err := log.LevelFromString(s)
		require.NoError(t, err)
		require.Equal(t, want, got, s)
	}
}

func TestDiscard(t *testing.T) {
	b := log.Discard()
	b.GetLogger("x").Error("dropped")
	require.False(t, b.IsEnabledFor(logging.NOTICE, "x"))
	require.NoError(t, b.Close())
}
