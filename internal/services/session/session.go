package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/code"
	"wormhole/internal/crypto"
	"wormhole/internal/domain"
	"wormhole/internal/log"
	"wormhole/internal/services/keyexchange"
	"wormhole/internal/timing"
	"wormhole/internal/worker"
)

const (
	// DefaultMaxAuthFailures is how many undecryptable messages are
	// tolerated after key confirmation.
	DefaultMaxAuthFailures = 3

	closeTimeout = 5 * time.Second
)

// Config describes one session.
type Config struct {
	AppID domain.AppID

	// Code is the code typed by the user. Empty means allocate a nameplate
	// and generate CodeLength words.
	Code       string
	CodeLength int

	// Timeout bounds the wait for the peer; zero waits until the context
	// passed to WaitReady expires.
	Timeout time.Duration

	// MaxAuthFailures is the number of post-confirmation decryption
	// failures that ends the session. Zero means DefaultMaxAuthFailures.
	MaxAuthFailures int

	AppVersions domain.AppVersions

	// ConnectTimeout bounds reaching the relay in Dial; zero leaves it to
	// the caller's context.
	ConnectTimeout time.Duration
}

// Deps are the collaborators a Session runs on.
type Deps struct {
	Client domain.RendezvousClient
	Log    *logging.Logger
	Timing *timing.Timing

	// Rand is the entropy source for generated codes; nil means crypto/rand.
	Rand io.Reader
}

// Message is one decrypted application message.
type Message struct {
	Phase domain.Phase
	Body  []byte
}

// Session is one side of a wormhole.
type Session struct {
	worker.Worker

	cfg    Config
	client domain.RendezvousClient
	log    *logging.Logger
	timing *timing.Timing

	code    code.Code
	mailbox domain.MailboxID

	readyOnce sync.Once
	readyCh   chan struct{}

	mu           sync.Mutex
	notify       chan struct{}
	key          *domain.SessionKey
	peer         domain.Side
	peerVersions domain.AppVersions
	err          error
	mood         domain.Mood
	authFailures int
	queue        []Message
	transit      []byte
	closed       bool
}

// Open validates the code, claims its nameplate and opens the mailbox. The
// key exchange starts with WaitReady. A malformed code is rejected with a
// *domain.KeyFormatError before anything is sent.
func Open(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if deps.Client == nil {
		return nil, errors.New("session: no rendezvous client")
	}
	cfg, c, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	return open(ctx, cfg, c, deps)
}

// prepare fills in defaults and parses a supplied code. c is zero when a
// code is to be generated.
func prepare(cfg Config) (Config, code.Code, error) {
	var c code.Code
	if cfg.AppID == "" {
		return cfg, c, errors.New("session: app id is required")
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if cfg.CodeLength == 0 {
		cfg.CodeLength = code.DefaultLength
	}
	if cfg.Code != "" {
		var err error
		if c, err = code.Parse(cfg.Code); err != nil {
			return cfg, c, err
		}
	} else if cfg.CodeLength < code.MinWords || cfg.CodeLength > code.MaxWords {
		return cfg, c, &domain.KeyFormatError{Reason: fmt.Sprintf("code length must be %d to %d words", code.MinWords, code.MaxWords)}
	}
	return cfg, c, nil
}

// open claims the nameplate on an already prepared config. Any failure
// closes deps.Client.
func open(ctx context.Context, cfg Config, c code.Code, deps Deps) (*Session, error) {
	l := deps.Log
	if l == nil {
		l = log.Discard().GetLogger("session")
	}

	s := &Session{
		cfg:     cfg,
		client:  deps.Client,
		log:     l,
		timing:  deps.Timing,
		readyCh: make(chan struct{}),
		notify:  make(chan struct{}),
		mood:    domain.MoodQuiet,
	}
	s.timing.Add("open").Detail("side", string(deps.Client.Side()))

	if cfg.Code == "" {
		nameplate, err := s.client.AllocateNameplate(ctx)
		if err != nil {
			return nil, s.abort(fmt.Errorf("session: allocating nameplate: %w", err))
		}
		if c, err = code.Generate(nameplate, cfg.CodeLength, deps.Rand); err != nil {
			return nil, s.abort(err)
		}
	}
	s.code = c

	mailbox, err := s.client.ClaimNameplate(ctx, c.Nameplate)
	if err != nil {
		return nil, s.abort(err)
	}
	if err := s.client.OpenMailbox(ctx, mailbox); err != nil {
		return nil, s.abort(err)
	}
	s.mailbox = mailbox
	s.log.Debugf("Claimed nameplate %s, mailbox %s", c.Nameplate, mailbox)
	return s, nil
}

// abort tears down a session that never got going.
func (s *Session) abort(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = s.client.ReleaseNameplate(ctx)
	_ = s.client.CloseMailbox(ctx, domain.MoodErrory)
	_ = s.client.Close()
	return err
}

// Code returns the code in canonical form, including a generated one.
func (s *Session) Code() string { return s.code.String() }

// Side returns our side.
func (s *Session) Side() domain.Side { return s.client.Side() }

// WaitReady starts the key exchange and blocks until the key is confirmed.
// The exchange belongs to the session and only stops at Close; ctx bounds
// this call's wait. Concurrent and repeated calls share one outcome.
func (s *Session) WaitReady(ctx context.Context) error {
	s.readyOnce.Do(func() {
		s.Go(func() {
			hctx, cancel := s.haltContext()
			defer cancel()
			s.establish(hctx)
		})
	})
	select {
	case <-s.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) establish(ctx context.Context) {
	defer close(s.readyCh)

	engine, err := keyexchange.New(keyexchange.Config{
		Channel:       s.client,
		AppID:         s.cfg.AppID,
		Nameplate:     s.code.Nameplate,
		Password:      s.code.Password(),
		AppVersions:   s.cfg.AppVersions,
		LonelyTimeout: s.cfg.Timeout,
		Log:           s.log,
		Timing:        s.timing,
	})
	if err == nil {
		var res *keyexchange.Result
		if res, err = engine.Run(ctx); err == nil {
			s.ready(ctx, res)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case ctx.Err() != nil:
		// Closed before the exchange finished.
		err = domain.ErrMailboxClosed
	case errors.Is(err, domain.ErrLonely):
		s.mood = domain.MoodLonely
	case errors.Is(err, domain.ErrWrongPassword):
		s.mood = domain.MoodScary
	default:
		s.mood = domain.MoodErrory
	}
	s.err = err
	s.signalLocked()
}

func (s *Session) ready(ctx context.Context, res *keyexchange.Result) {
	s.mu.Lock()
	s.key = &res.Key
	s.peer = res.PeerSide
	s.peerVersions = res.PeerVersions
	s.mood = domain.MoodHappy
	s.mu.Unlock()
	s.log.Noticef("Key confirmed with %s", res.PeerSide)

	// Nobody else needs the nameplate now.
	if err := s.client.ReleaseNameplate(ctx); err != nil {
		s.log.Warningf("Failed to release nameplate: %v", err)
	}

	for _, m := range res.Pending {
		s.deliver(m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.Go(s.pump)
	}
}

func (s *Session) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// haltContext returns a context cancelled by Close.
func (s *Session) haltContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// pump moves messages from the rendezvous client into the session queue.
func (s *Session) pump() {
	ctx, cancel := s.haltContext()
	defer cancel()

	for {
		m, err := s.client.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		if !s.deliver(m) {
			return
		}
	}
}

// deliver decrypts m and queues it. It returns false once the session has
// failed.
func (s *Session) deliver(m domain.PhaseMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.key == nil {
		return false
	}
	if m.Side != s.peer {
		s.log.Warningf("Ignoring %q from unexpected side %s", m.Phase, m.Side)
		return true
	}
	if m.Phase == domain.PhasePake || m.Phase == domain.PhaseVersion {
		return true
	}

	plain, err := keyexchange.OpenPhase(s.key, m.Side, m.Phase, m.Body)
	if err != nil {
		s.authFailures++
		s.log.Warningf("Dropping undecryptable message for phase %q (%d/%d)", m.Phase, s.authFailures, s.cfg.MaxAuthFailures)
		if s.authFailures >= s.cfg.MaxAuthFailures {
			s.err = fmt.Errorf("session: too many bad messages: %w", domain.ErrAuthentication)
			s.mood = domain.MoodScary
			s.signalLocked()
			return false
		}
		return true
	}

	if m.Phase == domain.PhaseTransit {
		s.transit = plain
	} else {
		s.queue = append(s.queue, Message{Phase: m.Phase, Body: plain})
	}
	s.signalLocked()
	return true
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.closed {
		s.err = err
		s.mood = domain.MoodErrory
	}
	s.signalLocked()
}

// Send encrypts body and sends it as phase. The key must be confirmed.
func (s *Session) Send(ctx context.Context, phase domain.Phase, body []byte) error {
	if phase.IsReserved() {
		return fmt.Errorf("%w: %q", domain.ErrReservedPhase, phase)
	}
	return s.send(ctx, phase, body)
}

func (s *Session) send(ctx context.Context, phase domain.Phase, body []byte) error {
	s.mu.Lock()
	key, err, closed := s.key, s.err, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return domain.ErrMailboxClosed
	case err != nil:
		return err
	case key == nil:
		return domain.ErrNotReady
	}

	sealed, err := keyexchange.SealPhase(key, s.client.Side(), phase, body)
	if err != nil {
		return err
	}
	return s.client.SendPhase(ctx, phase, sealed)
}

// Receive returns the next application message from the peer, waiting for
// the key exchange first if needed.
func (s *Session) Receive(ctx context.Context) (domain.Phase, []byte, error) {
	if err := s.WaitReady(ctx); err != nil {
		return "", nil, err
	}
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m.Phase, m.Body, nil
		}
		err, closed, n := s.err, s.closed, s.notify
		s.mu.Unlock()
		if err != nil {
			return "", nil, err
		}
		if closed {
			return "", nil, domain.ErrMailboxClosed
		}
		select {
		case <-n:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// ExchangeTransitHints sends our transit hints and waits for the peer's.
func (s *Session) ExchangeTransitHints(ctx context.Context, ours []byte) ([]byte, error) {
	if err := s.send(ctx, domain.PhaseTransit, ours); err != nil {
		return nil, err
	}
	for {
		s.mu.Lock()
		theirs, err, closed, n := s.transit, s.err, s.closed, s.notify
		s.mu.Unlock()
		switch {
		case theirs != nil:
			return theirs, nil
		case err != nil:
			return nil, err
		case closed:
			return nil, domain.ErrMailboxClosed
		}
		select {
		case <-n:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TransitKey returns the key transit connections are authenticated with.
func (s *Session) TransitKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, domain.ErrNotReady
	}
	return crypto.DeriveKey(s.key.Slice(), "transit", crypto.KeySize), nil
}

// PeerSide returns the peer's side once the key is confirmed.
func (s *Session) PeerSide() domain.Side {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// PeerVersions returns the peer's app_versions once the key is confirmed.
func (s *Session) PeerVersions() domain.AppVersions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerVersions
}

// Verifier returns a value derived from the session key that both users
// can compare to rule out a man in the middle.
func (s *Session) Verifier() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, domain.ErrNotReady
	}
	s.timing.Add("verified")
	return keyexchange.Verifier(s.key), nil
}

// Close reports the outcome to the relay, closes the mailbox and wipes the
// session key. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.signalLocked()
	s.mu.Unlock()

	// Stop the key exchange and the pump before touching the mailbox.
	s.Halt()

	s.mu.Lock()
	mood := s.mood
	happy := s.key != nil && s.err == nil
	s.mu.Unlock()

	ev := s.timing.Add("close").Detail("mood", string(mood))
	if happy {
		// Let the relay store everything we sent before leaving.
		if err := s.client.WaitConfirmed(ctx); err != nil {
			s.log.Warningf("Closing with unconfirmed messages: %v", err)
		}
	}
	if err := s.client.ReleaseNameplate(ctx); err != nil {
		s.log.Debugf("Release on close: %v", err)
	}
	err := s.client.CloseMailbox(ctx, mood)
	_ = s.client.Close()

	s.mu.Lock()
	if s.key != nil {
		crypto.Wipe(s.key[:])
	}
	s.mu.Unlock()
	ev.Finish()
	return err
}

// Mood returns the mood Close reports.
func (s *Session) Mood() domain.Mood {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mood
}
