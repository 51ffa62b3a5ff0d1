package retry

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})

	t.Run("policy", func(t *testing.T) {
		p := Policy{BaseDelay: baseDelay, MaxDelay: maxDelay}
		require.Equal(200*time.Millisecond, p.Delay(1))
	})
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(io.EOF))
	require.True(IsTransientError(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))
	require.True(IsTransientError(errors.New("dial tcp 127.0.0.1:4000: connect: connection refused")))
	require.True(IsTransientError(errors.New("read: connection reset by peer")))
	require.False(IsTransientError(errors.New("welcome: server is in maintenance")))
}
