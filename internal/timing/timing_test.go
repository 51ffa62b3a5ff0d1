package timing_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wormhole/internal/timing"
)

func readDump(t *testing.T, path string) []map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func fakeClock() func() time.Time {
	t := time.Unix(1000, 0)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestTiming_StartStop(t *testing.T) {
	tm := timing.NewWithClock(fakeClock())
	tm.Start()
	tm.Add("claim").Detail("nameplate", "4").Finish()
	tm.Stop()

	events := tm.Events()
	require.Len(t, events, 3)
	require.Equal(t, "run", events[0].Name)
	require.False(t, events[0].Stop.IsZero())
	require.Equal(t, "claim", events[1].Name)
	require.Equal(t, "4", events[1].Details["nameplate"])
	require.True(t, events[1].Stop.After(events[1].Start))
	require.Equal(t, "exit", events[2].Name)
}

func TestTiming_Write(t *testing.T) {
	tm := timing.NewWithClock(fakeClock())
	tm.Start()
	tm.Add("open")
	tm.Stop()

	path := filepath.Join(t.TempDir(), "timing.json")
	require.NoError(t, tm.Write(path))

	out := readDump(t, path)
	require.Len(t, out, 3)
	require.Equal(t, "open", out[1]["name"])
	require.NotContains(t, out[1], "stop")
	require.Contains(t, out[0], "stop")
}

func TestTiming_NilReceiver(t *testing.T) {
	var tm *timing.Timing
	e := tm.Add("orphan").Detail("k", "v").Finish()
	require.Equal(t, "orphan", e.Name)
}

func TestTiming_WriteReplacesAndLeavesNothingBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timing.json")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	tm := timing.NewWithClock(fakeClock())
	tm.Add("open")
	require.NoError(t, tm.Write(path))

	out := readDump(t, path)
	require.Len(t, out, 1)
	require.Equal(t, "open", out[0]["name"])

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), fi.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTiming_WriteToMissingDirectory(t *testing.T) {
	tm := timing.New()
	require.Error(t, tm.Write(filepath.Join(t.TempDir(), "nope", "timing.json")))
}
