package rendezvous_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wormhole/internal/domain"
	"wormhole/internal/rendezvous"
	"wormhole/internal/retry"
)

const testAppID = domain.AppID("lothar.com/wormhole/text-xfer")

var fastRetry = retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

func dial(t *testing.T, dialer rendezvous.DialFunc, side domain.Side) *rendezvous.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := rendezvous.Dial(ctx, rendezvous.Config{
		AppID: testAppID,
		Side:  side,
		Dial:  dialer,
		Retry: fastRetry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func openPair(t *testing.T, srv *rendezvous.Server) (*rendezvous.Client, *rendezvous.Client) {
	t.Helper()
	ctx := context.Background()
	a := dial(t, srv.Dialer(), "aaaa")
	b := dial(t, srv.Dialer(), "bbbb")

	mbA, err := a.ClaimNameplate(ctx, "4")
	require.NoError(t, err)
	mbB, err := b.ClaimNameplate(ctx, "4")
	require.NoError(t, err)
	require.Equal(t, mbA, mbB)

	require.NoError(t, a.OpenMailbox(ctx, mbA))
	require.NoError(t, b.OpenMailbox(ctx, mbB))
	return a, b
}

func next(t *testing.T, c *rendezvous.Client) domain.PhaseMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := c.Next(ctx)
	require.NoError(t, err)
	return m
}

func requireNothing(t *testing.T, c *rendezvous.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ExchangeFiltersOwnEchoes(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	a, b := openPair(t, srv)
	ctx := context.Background()

	require.NoError(t, a.SendPhase(ctx, "pake", []byte{0x00, 0xff}))
	require.NoError(t, b.SendPhase(ctx, "pake", []byte("b")))

	m := next(t, b)
	require.Equal(t, domain.Side("aaaa"), m.Side)
	require.Equal(t, domain.Phase("pake"), m.Phase)
	require.Equal(t, []byte{0x00, 0xff}, m.Body)

	m = next(t, a)
	require.Equal(t, domain.Side("bbbb"), m.Side)

	// Our own add came back as a confirmation, never as a message.
	require.NoError(t, a.WaitConfirmed(ctx))
	requireNothing(t, a)
}

func TestClient_MessagesSentBeforePeerOpens(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	ctx := context.Background()

	a := dial(t, srv.Dialer(), "aaaa")
	mb, err := a.ClaimNameplate(ctx, "7")
	require.NoError(t, err)
	require.NoError(t, a.OpenMailbox(ctx, mb))
	require.NoError(t, a.SendPhase(ctx, "pake", []byte("early")))
	require.NoError(t, a.WaitConfirmed(ctx))

	b := dial(t, srv.Dialer(), "bbbb")
	mb2, err := b.ClaimNameplate(ctx, "7")
	require.NoError(t, err)
	require.NoError(t, b.OpenMailbox(ctx, mb2))

	m := next(t, b)
	require.Equal(t, []byte("early"), m.Body)
}

func TestClient_CrowdedNameplate(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	openPair(t, srv)

	c := dial(t, srv.Dialer(), "cccc")
	_, err := c.ClaimNameplate(context.Background(), "4")
	var nue *domain.NameplateUnavailableError
	require.True(t, errors.As(err, &nue))
	require.Equal(t, domain.Nameplate("4"), nue.Nameplate)
	require.Equal(t, rendezvous.ErrCrowded, nue.Reason)
}

func TestClient_WelcomeErrorIsNotRetried(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	srv.SetWelcomeError("down for maintenance")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := rendezvous.Dial(ctx, rendezvous.Config{AppID: testAppID, Side: "aaaa", Dial: srv.Dialer()})

	var we *domain.WelcomeError
	require.True(t, errors.As(err, &we))
	require.Equal(t, "down for maintenance", we.Message)
	require.Less(t, time.Since(start), time.Second)
}

func TestClient_DuplicatePhaseAndClosedMailbox(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	a, _ := openPair(t, srv)
	ctx := context.Background()

	require.NoError(t, a.SendPhase(ctx, "offer", []byte("1")))
	require.ErrorIs(t, a.SendPhase(ctx, "offer", []byte("2")), domain.ErrDuplicatePhase)

	require.NoError(t, a.CloseMailbox(ctx, domain.MoodHappy))
	require.ErrorIs(t, a.SendPhase(ctx, "answer", []byte("3")), domain.ErrMailboxClosed)
	_, err := a.Next(ctx)
	require.ErrorIs(t, err, domain.ErrMailboxClosed)
	require.Equal(t, 1, srv.Moods()["happy"])
}

func TestClient_ReconnectReplaysAndDeduplicates(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	a, b := openPair(t, srv)
	ctx := context.Background()

	require.NoError(t, a.SendPhase(ctx, "one", []byte("1")))
	require.Equal(t, domain.Phase("one"), next(t, b).Phase)

	srv.DropConnections()
	// Sent while the transport may be down; it is replayed on reconnect.
	require.NoError(t, a.SendPhase(ctx, "two", []byte("2")))

	m := next(t, b)
	require.Equal(t, domain.Phase("two"), m.Phase)
	require.Equal(t, []byte("2"), m.Body)

	// Reopening made the relay resend "one"; it must not surface again.
	requireNothing(t, b)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitConfirmed(waitCtx))
	require.NoError(t, b.Ping(waitCtx))
}

// scriptedRelay answers the handshake by hand and then redelivers the same
// phase twice.
func TestClient_RedeliveredPhaseProcessedOnce(t *testing.T) {
	dialer := func(ctx context.Context) (rendezvous.Conn, error) {
		client, server := rendezvous.Pipe()
		go func() {
			defer server.Close()
			_ = server.Send(&rendezvous.Message{Type: rendezvous.TypeWelcome, Welcome: &rendezvous.Welcome{}})
			for {
				var m rendezvous.Message
				if err := server.Receive(&m); err != nil {
					return
				}
				switch m.Type {
				case rendezvous.TypeClaim:
					_ = server.Send(&rendezvous.Message{Type: rendezvous.TypeClaimed, ID: m.ID, Mailbox: "mb"})
				case rendezvous.TypeOpen:
					msg := &rendezvous.Message{Type: rendezvous.TypeMessage, Side: "peer", Phase: "offer", Body: "6869"}
					_ = server.Send(msg)
					_ = server.Send(msg)
					_ = server.Send(&rendezvous.Message{Type: rendezvous.TypeMessage, Side: "peer", Phase: "answer", Body: "00"})
				}
			}
		}()
		return client, nil
	}

	c := dial(t, dialer, "self")
	ctx := context.Background()
	mb, err := c.ClaimNameplate(ctx, "1")
	require.NoError(t, err)
	require.NoError(t, c.OpenMailbox(ctx, mb))

	m := next(t, c)
	require.Equal(t, domain.Phase("offer"), m.Phase)
	require.Equal(t, []byte("hi"), m.Body)
	require.Equal(t, domain.Phase("answer"), next(t, c).Phase)
	requireNothing(t, c)
}

func TestServer_WebSocket(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	srv.SetMOTD("hello")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/v1"
	a := dial(t, rendezvous.WebSocketDialer(url, nil), "aaaa")
	b := dial(t, rendezvous.WebSocketDialer(url, nil), "bbbb")
	ctx := context.Background()

	np, err := a.AllocateNameplate(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Nameplate("1"), np)

	mbA, err := a.ClaimNameplate(ctx, np)
	require.NoError(t, err)
	mbB, err := b.ClaimNameplate(ctx, np)
	require.NoError(t, err)
	require.Equal(t, mbA, mbB)

	require.NoError(t, a.OpenMailbox(ctx, mbA))
	require.NoError(t, b.OpenMailbox(ctx, mbB))
	require.NoError(t, a.SendPhase(ctx, "offer", []byte(`{"message":"hi"}`)))
	require.Equal(t, []byte(`{"message":"hi"}`), next(t, b).Body)

	require.NoError(t, a.ReleaseNameplate(ctx))
	require.NoError(t, b.ReleaseNameplate(ctx))
	require.NoError(t, a.CloseMailbox(ctx, domain.MoodHappy))
	require.NoError(t, b.CloseMailbox(ctx, domain.MoodHappy))

	st := srv.Stats()
	require.Equal(t, 0, st.Nameplates)
	require.Equal(t, 0, st.Mailboxes)
}

func TestServer_ReleasedSideCannotReclaim(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	a, _ := openPair(t, srv)
	ctx := context.Background()

	require.NoError(t, a.ReleaseNameplate(ctx))
	_, err := a.ClaimNameplate(ctx, "4")
	var nue *domain.NameplateUnavailableError
	require.True(t, errors.As(err, &nue))
	require.Equal(t, rendezvous.ErrReclaimed, nue.Reason)
}

func TestServer_Prune(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	ctx := context.Background()

	a := dial(t, srv.Dialer(), "aaaa")
	mb, err := a.ClaimNameplate(ctx, "9")
	require.NoError(t, err)
	require.NoError(t, a.OpenMailbox(ctx, mb))
	require.NoError(t, a.SendPhase(ctx, "pake", []byte("x")))
	require.NoError(t, a.WaitConfirmed(ctx))

	// Still listened to: nothing is pruned.
	require.Equal(t, 0, srv.Prune(time.Now().Add(time.Hour), time.Minute))

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return srv.Stats().Connections == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, srv.Prune(time.Now().Add(time.Hour), time.Minute))
	require.Equal(t, rendezvous.Stats{}, srv.Stats())
}
