package keyexchange

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/code"
	"wormhole/internal/crypto"
	"wormhole/internal/domain"
	"wormhole/internal/log"
	"wormhole/internal/protocol/spake2"
	"wormhole/internal/timing"
)

// State is where the engine is in the handshake.
type State int

const (
	Idle State = iota
	PakeSent
	PakeReceived
	KeyConfirmed
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case PakeSent:
		return "PAKE_SENT"
	case PakeReceived:
		return "PAKE_RECEIVED"
	case KeyConfirmed:
		return "KEY_CONFIRMED"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrAlreadyRun is returned when Run is called on a used Engine.
var ErrAlreadyRun = errors.New("keyexchange: engine already run")

type pakeBody struct {
	Pake string `json:"pake_v1"`
}

type versionBody struct {
	AppVersions domain.AppVersions `json:"app_versions"`
}

// Config is everything one side needs to run the exchange.
type Config struct {
	Channel   domain.PhaseChannel
	AppID     domain.AppID
	Nameplate domain.Nameplate
	Password  []byte

	// AppVersions is sent to the peer inside the encrypted version phase.
	AppVersions domain.AppVersions

	// LonelyTimeout bounds the wait for the peer's pake; zero waits for as
	// long as ctx allows.
	LonelyTimeout time.Duration

	Log    *logging.Logger
	Timing *timing.Timing
}

// Result is the outcome of a successful exchange.
type Result struct {
	Key          domain.SessionKey
	PeerSide     domain.Side
	PeerVersions domain.AppVersions

	// Pending holds application messages from the peer that arrived before
	// the key was confirmed, still encrypted, in arrival order.
	Pending []domain.PhaseMessage
}

// Engine drives one PAKE exchange over a phase channel.
type Engine struct {
	cfg Config
	log *logging.Logger

	mu    sync.Mutex
	state State
	ran   bool
}

// New returns an idle Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Channel == nil {
		return nil, errors.New("keyexchange: no phase channel")
	}
	if len(cfg.Password) == 0 {
		return nil, errors.New("keyexchange: empty password")
	}
	if cfg.AppVersions == nil {
		cfg.AppVersions = domain.AppVersions{}
	}
	l := cfg.Log
	if l == nil {
		l = log.Discard().GetLogger("keyexchange")
	}
	return &Engine{cfg: cfg, log: l}, nil
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Debugf("%v -> %v", e.state, s)
	e.state = s
}

// exchange is the per-run working state.
type exchange struct {
	pake        *spake2.State
	key         *domain.SessionKey
	peer        domain.Side
	peerVersion []byte
	pending     []domain.PhaseMessage
}

// Run performs the exchange and blocks until the key is confirmed or the
// exchange fails. It returns domain.ErrWrongPassword when the peer used a
// different code and domain.ErrLonely when the peer's pake never arrived.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	e.ran = true
	e.mu.Unlock()

	res, err := e.run(ctx)
	if err != nil {
		e.setState(Failed)
		return nil, err
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	ch := e.cfg.Channel
	self := ch.Side()

	st, msg, err := spake2.New(e.cfg.Password, code.Identity(e.cfg.AppID, e.cfg.Nameplate))
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(pakeBody{Pake: hex.EncodeToString(msg)})
	if err != nil {
		return nil, err
	}
	if err := ch.SendPhase(ctx, domain.PhasePake, body); err != nil {
		return nil, fmt.Errorf("keyexchange: sending pake: %w", err)
	}
	e.setState(PakeSent)
	e.cfg.Timing.Add("pake sent")

	// The lonely timeout only applies until the peer's pake shows up.
	waitCtx, cancelWait := ctx, context.CancelFunc(func() {})
	if e.cfg.LonelyTimeout > 0 {
		waitCtx, cancelWait = context.WithTimeout(ctx, e.cfg.LonelyTimeout)
	}
	defer cancelWait()

	x := &exchange{pake: st}
	for {
		nextCtx := ctx
		if x.key == nil {
			nextCtx = waitCtx
		}
		m, err := ch.Next(nextCtx)
		if err != nil {
			if x.key == nil && ctx.Err() == nil && waitCtx.Err() != nil {
				e.log.Noticef("Peer did not show up within %v", e.cfg.LonelyTimeout)
				return nil, domain.ErrLonely
			}
			return nil, err
		}
		res, err := e.step(ctx, x, self, m)
		if res != nil || err != nil {
			return res, err
		}
	}
}

// step handles one inbound message. It returns a non-nil Result once the
// key is confirmed.
func (e *Engine) step(ctx context.Context, x *exchange, self domain.Side, m domain.PhaseMessage) (*Result, error) {
	if m.Side == self {
		return nil, nil
	}
	if x.peer != "" && m.Side != x.peer {
		e.log.Warningf("Ignoring %q from unexpected side %s", m.Phase, m.Side)
		return nil, nil
	}

	switch m.Phase {
	case domain.PhasePake:
		if x.key != nil {
			return nil, nil
		}
		x.peer = m.Side
		if err := e.receivePake(ctx, x, self, m.Body); err != nil {
			return nil, err
		}
		if x.peerVersion != nil {
			return e.confirm(x)
		}
		return nil, nil

	case domain.PhaseVersion:
		x.peerVersion = m.Body
		if x.key == nil {
			// Arrived before the pake; wait for the key.
			if x.peer == "" {
				x.peer = m.Side
			}
			return nil, nil
		}
		return e.confirm(x)

	default:
		x.pending = append(x.pending, m)
		return nil, nil
	}
}

func (e *Engine) receivePake(ctx context.Context, x *exchange, self domain.Side, body []byte) error {
	var pb pakeBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return fmt.Errorf("keyexchange: malformed pake message: %w", err)
	}
	peerMsg, err := hex.DecodeString(pb.Pake)
	if err != nil {
		return fmt.Errorf("keyexchange: malformed pake message: %w", err)
	}
	shared, err := x.pake.Finish(peerMsg)
	if err != nil {
		return fmt.Errorf("keyexchange: %w", err)
	}
	x.key = new(domain.SessionKey)
	copy(x.key[:], shared)
	crypto.Wipe(shared)
	e.setState(PakeReceived)
	e.cfg.Timing.Add("key established")

	plain, err := json.Marshal(versionBody{AppVersions: e.cfg.AppVersions})
	if err != nil {
		return err
	}
	sealed, err := SealPhase(x.key, self, domain.PhaseVersion, plain)
	if err != nil {
		return err
	}
	if err := e.cfg.Channel.SendPhase(ctx, domain.PhaseVersion, sealed); err != nil {
		return fmt.Errorf("keyexchange: sending version: %w", err)
	}
	return nil
}

func (e *Engine) confirm(x *exchange) (*Result, error) {
	plain, err := OpenPhase(x.key, x.peer, domain.PhaseVersion, x.peerVersion)
	if err != nil {
		crypto.Wipe(x.key[:])
		e.log.Warningf("Key confirmation failed")
		return nil, domain.ErrWrongPassword
	}
	e.setState(KeyConfirmed)
	e.cfg.Timing.Add("key confirmed")

	var vb versionBody
	if err := json.Unmarshal(plain, &vb); err != nil {
		e.log.Warningf("Peer sent unparseable version body: %v", err)
	}
	if vb.AppVersions == nil {
		vb.AppVersions = domain.AppVersions{}
	}

	pending := make([]domain.PhaseMessage, 0, len(x.pending))
	for _, m := range x.pending {
		if m.Side == x.peer {
			pending = append(pending, m)
		}
	}

	e.setState(Ready)
	return &Result{
		Key:          *x.key,
		PeerSide:     x.peer,
		PeerVersions: vb.AppVersions,
		Pending:      pending,
	}, nil
}
