// Package wormhole moves data between two parties who share nothing but a
// short code such as "4-purple-sausage".
//
// Both sides Open a Session with the same code (or one side lets Open
// generate one and reads it back with Code). The sessions meet on a
// rendezvous relay, run SPAKE2 over it, and from then on exchange encrypted
// messages through the relay with Send and Receive. StartTransit negotiates
// a direct (or transit-relayed) encrypted stream for bulk data.
//
//	s, err := wormhole.Open(ctx, wormhole.Config{RelayURL: url})
//	...
//	fmt.Println("code:", s.Code())
//	if err := s.Send(ctx, "offer", body); err != nil { ... }
//
// Errors are matched with errors.Is and errors.As against the values and
// types declared here.
package wormhole

import (
	"context"
	"io"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/domain"
	"wormhole/internal/log"
	"wormhole/internal/proxy"
	"wormhole/internal/rendezvous"
	"wormhole/internal/retry"
	"wormhole/internal/services/session"
	"wormhole/internal/services/transit"
	"wormhole/internal/timing"
)

type (
	// KeyFormatError reports a code that is not "<nameplate>-<word>-...".
	KeyFormatError = domain.KeyFormatError
	// NameplateUnavailableError reports that the relay refused the nameplate.
	NameplateUnavailableError = domain.NameplateUnavailableError
	// WelcomeError reports that the relay turned us away.
	WelcomeError = domain.WelcomeError
)

var (
	ErrWrongPassword  = domain.ErrWrongPassword
	ErrLonely         = domain.ErrLonely
	ErrAuthentication = domain.ErrAuthentication
	ErrTransitConnect = domain.ErrTransitConnect
	ErrNotReady       = domain.ErrNotReady
	ErrReservedPhase  = domain.ErrReservedPhase
	ErrMailboxClosed  = domain.ErrMailboxClosed
	ErrDuplicatePhase = domain.ErrDuplicatePhase
)

// Config configures a Session.
type Config struct {
	// AppID namespaces traffic on the relay. Both sides must agree.
	AppID string

	// RelayURL is the rendezvous relay, ws:// or wss://.
	RelayURL string

	// Code to use. Empty allocates a nameplate and generates CodeLength
	// words (two when zero).
	Code       string
	CodeLength int

	// Timeout bounds the wait for the other side; zero waits forever.
	Timeout time.Duration

	// ConnectTimeout bounds reaching the relay; zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// MaxAuthFailures is how many undecryptable messages end the session.
	MaxAuthFailures int

	// AppVersions is sent to the peer in the version message.
	AppVersions map[string]any

	// TransitRelays are "tcp:host:port" transit relays for StartTransit.
	TransitRelays []string

	// NoListen disables the direct-connection listener in StartTransit.
	NoListen bool

	// Dial makes every outbound connection; nil dials directly.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Log defaults to discarding.
	Log *logging.Logger

	rendezvous rendezvous.DialFunc
	retry      retry.Policy
	listenAddr string
	advertise  []string
}

// Session is one side of a wormhole.
type Session struct {
	cfg    Config
	dial   proxy.DialContextFn
	log    *logging.Logger
	timing *timing.Timing
	s      *session.Session
}

// DefaultConnectTimeout bounds reaching the relay when Config leaves
// ConnectTimeout zero.
const DefaultConnectTimeout = 30 * time.Second

// Open connects to the relay and joins (or creates) the wormhole named by
// cfg.Code. A malformed code is reported as *KeyFormatError before any
// connection is made.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = log.Discard().GetLogger("wormhole")
	}
	if cfg.AppID == "" {
		cfg.AppID = "lothar.com/wormhole/text-xfer"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AppVersions == nil {
		cfg.AppVersions = map[string]any{}
	}

	dial := proxy.Direct()
	if cfg.Dial != nil {
		dial = cfg.Dial
	}
	wsDial := cfg.rendezvous
	if wsDial == nil {
		wsDial = rendezvous.WebSocketDialer(cfg.RelayURL, dial)
	}
	t := timing.New()

	s, err := session.Dial(ctx, session.Config{
		AppID:           domain.AppID(cfg.AppID),
		Code:            cfg.Code,
		CodeLength:      cfg.CodeLength,
		Timeout:         cfg.Timeout,
		MaxAuthFailures: cfg.MaxAuthFailures,
		AppVersions:     domain.AppVersions(cfg.AppVersions),
		ConnectTimeout:  cfg.ConnectTimeout,
	}, rendezvous.Config{
		Dial:  wsDial,
		Log:   cfg.Log,
		Retry: cfg.retry,
	}, session.Deps{
		Log:    cfg.Log,
		Timing: t,
	})
	if err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, dial: dial, log: cfg.Log, timing: t, s: s}, nil
}

// Code returns the wormhole code, generated or supplied.
func (s *Session) Code() string { return s.s.Code() }

// WaitReady blocks until the key is confirmed with the peer. It fails with
// ErrWrongPassword when the codes differ and ErrLonely when the peer does
// not show up in time.
func (s *Session) WaitReady(ctx context.Context) error { return s.s.WaitReady(ctx) }

// Send encrypts body for phase and posts it. It waits for the key first.
func (s *Session) Send(ctx context.Context, phase string, body []byte) error {
	if err := s.s.WaitReady(ctx); err != nil {
		return err
	}
	return s.s.Send(ctx, domain.Phase(phase), body)
}

// Receive returns the next message from the peer, in delivery order.
func (s *Session) Receive(ctx context.Context) (string, []byte, error) {
	phase, body, err := s.s.Receive(ctx)
	return string(phase), body, err
}

// Verifier returns a value both sides can compare out of band to rule out
// a man in the middle.
func (s *Session) Verifier() ([]byte, error) { return s.s.Verifier() }

// StartTransit negotiates an encrypted stream with the peer. Both sides
// must call it.
func (s *Session) StartTransit(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := s.s.WaitReady(ctx); err != nil {
		return nil, err
	}
	tc := transit.Config{
		Listen:         !s.cfg.NoListen,
		ListenAddr:     s.cfg.listenAddr,
		AdvertiseAddrs: s.cfg.advertise,
		Dial:           s.dial,
		Log:            s.log,
		Timing:         s.timing,
	}
	for _, r := range s.cfg.TransitRelays {
		h, err := transit.ParseRelay(r)
		if err != nil {
			return nil, err
		}
		tc.Relays = append(tc.Relays, h)
	}
	conn, err := transit.Establish(ctx, s.s, tc)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close releases everything the session holds on the relay and wipes the
// key. It reports the outcome to the relay as a mood.
func (s *Session) Close(ctx context.Context) error { return s.s.Close(ctx) }
