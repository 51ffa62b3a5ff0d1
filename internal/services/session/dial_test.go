package session_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wormhole/internal/domain"
	"wormhole/internal/rendezvous"
	"wormhole/internal/retry"
	"wormhole/internal/services/session"
	"wormhole/internal/timing"
)

func dialConfig(d rendezvous.DialFunc) rendezvous.Config {
	return rendezvous.Config{
		Dial:  d,
		Retry: retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}
}

func TestDial_RejectsBadCodeBeforeConnecting(t *testing.T) {
	var dials atomic.Int32
	d := func(ctx context.Context) (rendezvous.Conn, error) {
		dials.Add(1)
		return nil, context.Canceled
	}
	_, err := session.Dial(testCtx(t), session.Config{AppID: appID, Code: "purple-sausage"}, dialConfig(d), session.Deps{})
	var kfe *domain.KeyFormatError
	require.ErrorAs(t, err, &kfe)
	require.Zero(t, dials.Load())
}

func TestDial_ConnectTimeout(t *testing.T) {
	d := func(ctx context.Context) (rendezvous.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	start := time.Now()
	_, err := session.Dial(context.Background(), session.Config{
		AppID:          appID,
		Code:           "4-purple-sausage",
		ConnectTimeout: 50 * time.Millisecond,
	}, dialConfig(d), session.Deps{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestDial_BothSides(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	dial := func(c string) *session.Session {
		s, err := session.Dial(testCtx(t), session.Config{
			AppID:          appID,
			Code:           c,
			ConnectTimeout: 5 * time.Second,
		}, dialConfig(srv.Dialer()), session.Deps{Timing: timing.New()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	}
	a := dial("12-purple-sausage")
	b := dial("12-purple-sausage")
	require.NotEqual(t, a.Side(), b.Side())

	errA, errB := waitBoth(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	ctx := testCtx(t)
	require.NoError(t, a.Send(ctx, "offer", []byte("dialed")))
	phase, body, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Phase("offer"), phase)
	require.Equal(t, "dialed", string(body))
}
