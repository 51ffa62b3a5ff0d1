package keyexchange_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wormhole/internal/code"
	"wormhole/internal/domain"
	"wormhole/internal/protocol/spake2"
	"wormhole/internal/services/keyexchange"
)

const appID = domain.AppID("lothar.com/wormhole/text-xfer")

// memChannel is an in-memory phase channel; SendPhase delivers to peer.
type memChannel struct {
	side  domain.Side
	inbox chan domain.PhaseMessage
	peer  *memChannel
	sent  chan domain.PhaseMessage
}

func newMem(side domain.Side) *memChannel {
	return &memChannel{
		side:  side,
		inbox: make(chan domain.PhaseMessage, 32),
		sent:  make(chan domain.PhaseMessage, 32),
	}
}

func pairChannels() (*memChannel, *memChannel) {
	a, b := newMem("aaaa"), newMem("bbbb")
	a.peer, b.peer = b, a
	return a, b
}

func (m *memChannel) Side() domain.Side { return m.side }

func (m *memChannel) SendPhase(_ context.Context, phase domain.Phase, body []byte) error {
	msg := domain.PhaseMessage{Side: m.side, Phase: phase, Body: body}
	m.sent <- msg
	if m.peer != nil {
		m.peer.inbox <- msg
	}
	return nil
}

func (m *memChannel) Next(ctx context.Context) (domain.PhaseMessage, error) {
	select {
	case msg := <-m.inbox:
		return msg, nil
	case <-ctx.Done():
		return domain.PhaseMessage{}, ctx.Err()
	}
}

type outcome struct {
	res *keyexchange.Result
	err error
}

func run(t *testing.T, ch domain.PhaseChannel, password string, versions domain.AppVersions) (*keyexchange.Engine, chan outcome) {
	t.Helper()
	e, err := keyexchange.New(keyexchange.Config{
		Channel:     ch,
		AppID:       appID,
		Nameplate:   "4",
		Password:    []byte(password),
		AppVersions: versions,
	})
	require.NoError(t, err)
	require.Equal(t, keyexchange.Idle, e.State())

	out := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := e.Run(ctx)
		out <- outcome{res, err}
	}()
	return e, out
}

func TestEngine_SameCodeAgrees(t *testing.T) {
	a, b := pairChannels()
	ea, outA := run(t, a, "purple-sausage", domain.AppVersions{"tool": "a"})
	eb, outB := run(t, b, "purple-sausage", nil)

	ra, rb := <-outA, <-outB
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)

	require.Equal(t, ra.res.Key, rb.res.Key)
	require.NotEqual(t, domain.SessionKey{}, ra.res.Key)
	require.Equal(t, domain.Side("bbbb"), ra.res.PeerSide)
	require.Equal(t, domain.Side("aaaa"), rb.res.PeerSide)
	require.Equal(t, "a", rb.res.PeerVersions["tool"])
	require.Empty(t, ra.res.PeerVersions)

	require.Equal(t, keyexchange.Ready, ea.State())
	require.Equal(t, keyexchange.Ready, eb.State())

	_, err := ea.Run(context.Background())
	require.ErrorIs(t, err, keyexchange.ErrAlreadyRun)
}

func TestEngine_DifferentCodesFailOnBothSides(t *testing.T) {
	a, b := pairChannels()
	ea, outA := run(t, a, "purple-sausage", nil)
	eb, outB := run(t, b, "purple-sausages", nil)

	ra, rb := <-outA, <-outB
	require.ErrorIs(t, ra.err, domain.ErrWrongPassword)
	require.ErrorIs(t, rb.err, domain.ErrWrongPassword)
	require.Nil(t, ra.res)
	require.Equal(t, keyexchange.Failed, ea.State())
	require.Equal(t, keyexchange.Failed, eb.State())
}

func TestEngine_Lonely(t *testing.T) {
	a := newMem("aaaa")
	e, err := keyexchange.New(keyexchange.Config{
		Channel:       a,
		AppID:         appID,
		Nameplate:     "4",
		Password:      []byte("purple-sausage"),
		LonelyTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrLonely)
	require.Equal(t, keyexchange.Failed, e.State())
}

func TestEngine_CallerCancelIsNotLonely(t *testing.T) {
	a := newMem("aaaa")
	e, err := keyexchange.New(keyexchange.Config{
		Channel:       a,
		AppID:         appID,
		Nameplate:     "4",
		Password:      []byte("purple-sausage"),
		LonelyTimeout: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// The peer is played by hand so messages can arrive out of order: version
// and an application message before the pake.
func TestEngine_OutOfOrderAndPending(t *testing.T) {
	self := newMem("aaaa")
	e, out := run(t, self, "purple-sausage", nil)

	ours := <-self.sent
	require.Equal(t, domain.PhasePake, ours.Phase)
	require.Equal(t, keyexchange.PakeSent, waitState(t, e, keyexchange.PakeSent))

	var pb struct {
		Pake string `json:"pake_v1"`
	}
	require.NoError(t, json.Unmarshal(ours.Body, &pb))
	ourMsg, err := hex.DecodeString(pb.Pake)
	require.NoError(t, err)

	peer, peerMsg, err := spake2.New([]byte("purple-sausage"), code.Identity(appID, "4"))
	require.NoError(t, err)
	shared, err := peer.Finish(ourMsg)
	require.NoError(t, err)
	var key domain.SessionKey
	copy(key[:], shared)

	version, err := keyexchange.SealPhase(&key, "bbbb", domain.PhaseVersion, []byte(`{"app_versions":{"v":1}}`))
	require.NoError(t, err)
	offer, err := keyexchange.SealPhase(&key, "bbbb", "offer", []byte(`{"message":"hi"}`))
	require.NoError(t, err)
	pakeBody, err := json.Marshal(map[string]string{"pake_v1": hex.EncodeToString(peerMsg)})
	require.NoError(t, err)

	// Our own echo and a stranger are ignored.
	self.inbox <- domain.PhaseMessage{Side: "aaaa", Phase: domain.PhasePake, Body: ours.Body}
	self.inbox <- domain.PhaseMessage{Side: "bbbb", Phase: domain.PhaseVersion, Body: version}
	self.inbox <- domain.PhaseMessage{Side: "bbbb", Phase: "offer", Body: offer}
	self.inbox <- domain.PhaseMessage{Side: "cccc", Phase: "offer", Body: []byte("junk")}
	self.inbox <- domain.PhaseMessage{Side: "bbbb", Phase: domain.PhasePake, Body: pakeBody}

	r := <-out
	require.NoError(t, r.err)
	require.Equal(t, key, r.res.Key)
	require.Equal(t, domain.Side("bbbb"), r.res.PeerSide)
	require.EqualValues(t, 1, r.res.PeerVersions["v"])
	require.Len(t, r.res.Pending, 1)
	require.Equal(t, domain.Phase("offer"), r.res.Pending[0].Phase)

	plain, err := keyexchange.OpenPhase(&r.res.Key, "bbbb", "offer", r.res.Pending[0].Body)
	require.NoError(t, err)
	require.Equal(t, `{"message":"hi"}`, string(plain))

	// Our version went out sealed under our side's key.
	v := <-self.sent
	require.Equal(t, domain.PhaseVersion, v.Phase)
	_, err = keyexchange.OpenPhase(&key, "aaaa", domain.PhaseVersion, v.Body)
	require.NoError(t, err)
}

func TestEngine_MalformedPakeFails(t *testing.T) {
	self := newMem("aaaa")
	e, out := run(t, self, "purple-sausage", nil)
	<-self.sent

	self.inbox <- domain.PhaseMessage{Side: "bbbb", Phase: domain.PhasePake, Body: []byte(`{"pake_v1":"zz"}`)}
	r := <-out
	require.Error(t, r.err)
	require.Equal(t, keyexchange.Failed, e.State())
}

func TestPhaseKeys_DirectionAndPhaseSeparated(t *testing.T) {
	var key domain.SessionKey
	key[0] = 1
	require.NotEqual(t, keyexchange.PhaseKey(&key, "aaaa", "offer"), keyexchange.PhaseKey(&key, "bbbb", "offer"))
	require.NotEqual(t, keyexchange.PhaseKey(&key, "aaaa", "offer"), keyexchange.PhaseKey(&key, "aaaa", "answer"))

	ct, err := keyexchange.SealPhase(&key, "aaaa", "offer", []byte("x"))
	require.NoError(t, err)
	_, err = keyexchange.OpenPhase(&key, "bbbb", "offer", ct)
	require.ErrorIs(t, err, domain.ErrAuthentication)
	_, err = keyexchange.OpenPhase(&key, "aaaa", "answer", ct)
	require.ErrorIs(t, err, domain.ErrAuthentication)

	require.Len(t, keyexchange.Verifier(&key), 32)
}

func waitState(t *testing.T, e *keyexchange.Engine, want keyexchange.State) keyexchange.State {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want }, 5*time.Second, time.Millisecond)
	return e.State()
}
