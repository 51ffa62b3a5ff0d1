package rendezvous

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/domain"
	"wormhole/internal/log"
	"wormhole/internal/retry"
	"wormhole/internal/timing"
	"wormhole/internal/worker"
)

var (
	// ErrClientClosed is returned by every call after Close.
	ErrClientClosed = errors.New("rendezvous: client closed")

	errMailboxNotOpen = errors.New("rendezvous: mailbox is not open")
	errConnLost       = fmt.Errorf("rendezvous: connection lost: %w", net.ErrClosed)
)

// Config configures a Client.
type Config struct {
	AppID domain.AppID
	Side  domain.Side
	Dial  DialFunc

	// Log defaults to a discarding logger.
	Log *logging.Logger

	// Retry is the reconnect policy; the zero value means retry.DefaultPolicy.
	Retry retry.Policy

	Timing *timing.Timing
}

type seenKey struct {
	side  domain.Side
	phase domain.Phase
}

// Client keeps one logical session with the relay alive across transport
// failures. It is safe for concurrent use.
type Client struct {
	worker.Worker

	log    *logging.Logger
	dial   DialFunc
	appID  domain.AppID
	side   domain.Side
	retry  retry.Policy
	timing *timing.Timing

	mu        sync.Mutex
	conn      Conn
	lost      chan struct{}
	connected bool
	notify    chan struct{}
	pending   map[string]chan *Message

	nameplate     domain.Nameplate
	claimed       bool
	mailbox       domain.MailboxID
	opened        bool
	mailboxClosed bool
	shutdown      bool
	fatal         error

	sent        map[domain.Phase][]byte
	unconfirmed []domain.Phase
	seen        map[seenKey]struct{}
	inbox       []domain.PhaseMessage
}

// Dial connects to the relay, reads its welcome and binds our side. A
// WelcomeError is returned as is and never retried; transient dial failures
// are retried until ctx expires.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Dial == nil {
		return nil, errors.New("rendezvous: no dialer configured")
	}
	if cfg.AppID == "" || cfg.Side == "" {
		return nil, errors.New("rendezvous: app id and side are required")
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Log == nil {
		cfg.Log = log.Discard().GetLogger("rendezvous")
	}

	c := &Client{
		log:     cfg.Log,
		dial:    cfg.Dial,
		appID:   cfg.AppID,
		side:    cfg.Side,
		retry:   cfg.Retry,
		timing:  cfg.Timing,
		notify:  make(chan struct{}),
		pending: make(map[string]chan *Message),
		sent:    make(map[domain.Phase][]byte),
		seen:    make(map[seenKey]struct{}),
	}

	ev := c.timing.Add("rendezvous connect")
	for attempt := 0; ; attempt++ {
		err := c.connect(ctx)
		if err == nil {
			ev.Finish()
			return c, nil
		}
		var we *domain.WelcomeError
		if errors.As(err, &we) || !retry.IsTransientError(err) {
			c.Halt()
			return nil, err
		}
		delay := c.retry.Delay(attempt)
		c.log.Warningf("Relay unreachable, retrying in %v: %v", delay, err)
		select {
		case <-ctx.Done():
			c.Halt()
			return nil, fmt.Errorf("rendezvous: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
	}
}

// Side returns our side.
func (c *Client) Side() domain.Side { return c.side }

// connect dials once and brings the new connection to the same logical
// state as before: bound, claimed, open, with unconfirmed adds resent.
func (c *Client) connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var welcome Message
	if err := conn.Receive(&welcome); err != nil {
		conn.Close()
		return err
	}
	if welcome.Type != TypeWelcome {
		conn.Close()
		return fmt.Errorf("rendezvous: expected welcome, got %q", welcome.Type)
	}
	if w := welcome.Welcome; w != nil {
		if w.Error != "" {
			conn.Close()
			return &domain.WelcomeError{Message: w.Error}
		}
		if w.MOTD != "" {
			c.log.Noticef("Server message: %s", w.MOTD)
		}
	}
	if err := conn.Send(&Message{Type: TypeBind, AppID: string(c.appID), Side: string(c.side)}); err != nil {
		conn.Close()
		return err
	}

	lost := make(chan struct{})
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.lost = lost
	claimed, nameplate := c.claimed, c.nameplate
	c.mu.Unlock()
	c.Go(func() { c.readLoop(conn, lost) })

	if claimed {
		if _, err := c.requestOn(ctx, conn, lost, &Message{Type: TypeClaim, Nameplate: string(nameplate)}); err != nil {
			c.log.Warningf("Failed to reclaim nameplate: %v", err)
			conn.Close()
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return errConnLost
	}
	if c.opened {
		if err := conn.Send(&Message{Type: TypeOpen, Mailbox: string(c.mailbox)}); err != nil {
			conn.Close()
			return err
		}
	}
	for _, phase := range c.unconfirmed {
		c.log.Debugf("Resending phase %q", phase)
		if err := conn.Send(c.addMessage(phase, c.sent[phase])); err != nil {
			conn.Close()
			return err
		}
	}
	c.connected = true
	c.signalLocked()
	return nil
}

func (c *Client) readLoop(conn Conn, lost chan struct{}) {
	for {
		m := new(Message)
		if err := conn.Receive(m); err != nil {
			c.connectionLost(conn, lost, err)
			return
		}
		c.handle(m)
	}
}

func (c *Client) connectionLost(conn Conn, lost chan struct{}, err error) {
	conn.Close()

	c.mu.Lock()
	// A connection that dies while connect is still restoring it is
	// retried by connect's caller, not here.
	wasConnected := c.conn == conn && c.connected
	if c.conn == conn {
		c.conn = nil
		c.connected = false
		close(lost)
		c.signalLocked()
	}
	stop := c.shutdown || c.fatal != nil || !wasConnected
	c.mu.Unlock()
	if stop {
		return
	}

	c.log.Warningf("Lost connection to relay: %v", err)
	c.timing.Add("rendezvous reconnect")
	for attempt := 0; ; attempt++ {
		delay := c.retry.Delay(attempt)
		select {
		case <-c.HaltCh():
			return
		case <-time.After(delay):
		}

		ctx, cancel := c.haltContext()
		err := c.connect(ctx)
		cancel()
		if err == nil {
			c.log.Noticef("Reconnected to relay")
			return
		}
		var (
			we  *domain.WelcomeError
			nue *domain.NameplateUnavailableError
		)
		if errors.As(err, &we) || errors.As(err, &nue) {
			c.log.Errorf("Giving up on relay: %v", err)
			c.fail(err)
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
		c.log.Warningf("Reconnect attempt %d failed: %v", attempt+1, err)
	}
}

func (c *Client) haltContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Client) handle(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.Type {
	case TypeMessage:
		body, err := hex.DecodeString(m.Body)
		if err != nil {
			c.log.Warningf("Dropping message with malformed body for phase %q", m.Phase)
			return
		}
		side, phase := domain.Side(m.Side), domain.Phase(m.Phase)
		if side == c.side {
			// Our own add echoed back: the relay has it.
			c.confirmLocked(phase)
			return
		}
		k := seenKey{side: side, phase: phase}
		if _, ok := c.seen[k]; ok {
			c.log.Debugf("Ignoring redelivered phase %q from %s", phase, side)
			return
		}
		c.seen[k] = struct{}{}
		c.inbox = append(c.inbox, domain.PhaseMessage{Side: side, Phase: phase, Body: body})
		c.signalLocked()
	case TypeWelcome:
		c.log.Debugf("Ignoring repeated welcome")
	case TypePing:
		c.log.Debugf("Ignoring ping from relay")
	default:
		if ch, ok := c.pending[m.ID]; ok && m.ID != "" {
			delete(c.pending, m.ID)
			ch <- m
			return
		}
		if m.Type == TypeError {
			c.log.Warningf("Relay error for %q: %s", m.Orig, m.Error)
		}
	}
}

func (c *Client) confirmLocked(phase domain.Phase) {
	for i, p := range c.unconfirmed {
		if p == phase {
			c.unconfirmed = append(c.unconfirmed[:i], c.unconfirmed[i+1:]...)
			c.signalLocked()
			return
		}
	}
}

// signalLocked wakes everyone waiting on a state change.
func (c *Client) signalLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.signalLocked()
}

func (c *Client) addMessage(phase domain.Phase, body []byte) *Message {
	return &Message{Type: TypeAdd, ID: newID(), Phase: string(phase), Body: hex.EncodeToString(body)}
}

// request sends m and waits for its reply, riding out reconnects.
func (c *Client) request(ctx context.Context, m *Message) (*Message, error) {
	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return nil, ErrClientClosed
		}
		if c.fatal != nil {
			err := c.fatal
			c.mu.Unlock()
			return nil, err
		}
		if !c.connected {
			n := c.notify
			c.mu.Unlock()
			select {
			case <-n:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, lost := c.conn, c.lost
		c.mu.Unlock()

		reply, err := c.requestOn(ctx, conn, lost, m)
		if errors.Is(err, errConnLost) {
			continue
		}
		return reply, err
	}
}

func (c *Client) requestOn(ctx context.Context, conn Conn, lost chan struct{}, m *Message) (*Message, error) {
	req := *m
	req.ID = newID()
	ch := make(chan *Message, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := conn.Send(&req); err != nil {
		// The reader notices too and starts reconnecting.
		conn.Close()
		return nil, errConnLost
	}

	select {
	case reply := <-ch:
		if reply.Type == TypeError {
			return nil, c.relayError(&req, reply)
		}
		return reply, nil
	case <-lost:
		return nil, errConnLost
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.HaltCh():
		return nil, ErrClientClosed
	}
}

func (c *Client) relayError(req, reply *Message) error {
	if req.Type == TypeClaim && (reply.Error == ErrCrowded || reply.Error == ErrReclaimed) {
		return &domain.NameplateUnavailableError{Nameplate: domain.Nameplate(req.Nameplate), Reason: reply.Error}
	}
	return &domain.RelayError{Request: req.Type, Message: reply.Error}
}

// AllocateNameplate asks the relay for an unused nameplate and claims it.
func (c *Client) AllocateNameplate(ctx context.Context) (domain.Nameplate, error) {
	reply, err := c.request(ctx, &Message{Type: TypeAllocate})
	if err != nil {
		return "", err
	}
	if reply.Nameplate == "" {
		return "", &domain.RelayError{Request: TypeAllocate, Message: "empty nameplate"}
	}
	return domain.Nameplate(reply.Nameplate), nil
}

// ClaimNameplate claims nameplate and returns the mailbox bound to it.
func (c *Client) ClaimNameplate(ctx context.Context, nameplate domain.Nameplate) (domain.MailboxID, error) {
	ev := c.timing.Add("claim").Detail("nameplate", string(nameplate))
	reply, err := c.request(ctx, &Message{Type: TypeClaim, Nameplate: string(nameplate)})
	if err != nil {
		return "", err
	}
	ev.Finish()
	if reply.Mailbox == "" {
		return "", &domain.RelayError{Request: TypeClaim, Message: "empty mailbox"}
	}

	c.mu.Lock()
	c.nameplate = nameplate
	c.claimed = true
	c.mu.Unlock()
	return domain.MailboxID(reply.Mailbox), nil
}

// ReleaseNameplate gives the nameplate back. It is a no-op when nothing is
// claimed.
func (c *Client) ReleaseNameplate(ctx context.Context) error {
	c.mu.Lock()
	if !c.claimed {
		c.mu.Unlock()
		return nil
	}
	c.claimed = false
	nameplate := c.nameplate
	c.mu.Unlock()

	_, err := c.request(ctx, &Message{Type: TypeRelease, Nameplate: string(nameplate)})
	return err
}

// OpenMailbox subscribes to mailbox. Messages already in it are delivered
// by Next. Opening the same mailbox again is a no-op.
func (c *Client) OpenMailbox(ctx context.Context, mailbox domain.MailboxID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.shutdown:
		return ErrClientClosed
	case c.mailboxClosed:
		return domain.ErrMailboxClosed
	case c.opened && c.mailbox == mailbox:
		return nil
	case c.opened:
		return fmt.Errorf("rendezvous: mailbox %s already open", c.mailbox)
	}
	c.mailbox = mailbox
	c.opened = true
	if !c.connected {
		// connect sends the open once the transport is back.
		return nil
	}
	if err := c.conn.Send(&Message{Type: TypeOpen, Mailbox: string(mailbox)}); err != nil {
		c.conn.Close()
	}
	return nil
}

// SendPhase adds body under phase. Each phase can be sent once. The add is
// kept until the relay echoes it back and is resent after reconnects.
func (c *Client) SendPhase(ctx context.Context, phase domain.Phase, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.shutdown:
		return ErrClientClosed
	case c.mailboxClosed:
		return domain.ErrMailboxClosed
	case !c.opened:
		return errMailboxNotOpen
	}
	if _, ok := c.sent[phase]; ok {
		return fmt.Errorf("%w: %q", domain.ErrDuplicatePhase, phase)
	}
	c.sent[phase] = append([]byte(nil), body...)
	c.unconfirmed = append(c.unconfirmed, phase)
	if !c.connected {
		return nil
	}
	if err := c.conn.Send(c.addMessage(phase, body)); err != nil {
		c.log.Debugf("Add for %q deferred: %v", phase, err)
		c.conn.Close()
	}
	return nil
}

// Next returns the next message from the peer, in arrival order, each
// (side, phase) at most once. It blocks until one arrives.
func (c *Client) Next(ctx context.Context) (domain.PhaseMessage, error) {
	for {
		c.mu.Lock()
		if len(c.inbox) > 0 {
			m := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			return m, nil
		}
		var err error
		switch {
		case c.fatal != nil:
			err = c.fatal
		case c.shutdown:
			err = ErrClientClosed
		case c.mailboxClosed:
			err = domain.ErrMailboxClosed
		}
		n := c.notify
		c.mu.Unlock()
		if err != nil {
			return domain.PhaseMessage{}, err
		}

		select {
		case <-n:
		case <-ctx.Done():
			return domain.PhaseMessage{}, ctx.Err()
		}
	}
}

// WaitConfirmed blocks until the relay has echoed every phase we sent.
func (c *Client) WaitConfirmed(ctx context.Context) error {
	for {
		c.mu.Lock()
		done := len(c.unconfirmed) == 0
		err := c.fatal
		n := c.notify
		c.mu.Unlock()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseMailbox closes the mailbox, reporting mood to the relay. It is a
// no-op when no mailbox is open.
func (c *Client) CloseMailbox(ctx context.Context, mood domain.Mood) error {
	c.mu.Lock()
	if !c.opened || c.mailboxClosed {
		c.mailboxClosed = true
		c.signalLocked()
		c.mu.Unlock()
		return nil
	}
	c.mailboxClosed = true
	c.opened = false
	mailbox := c.mailbox
	c.signalLocked()
	c.mu.Unlock()

	c.timing.Add("close").Detail("mood", string(mood))
	_, err := c.request(ctx, &Message{Type: TypeClose, Mailbox: string(mailbox), Mood: string(mood)})
	return err
}

// Ping round-trips a ping through the relay.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, &Message{Type: TypePing, Ping: 1})
	return err
}

// Close drops the connection and stops reconnecting. It does not tell the
// relay anything; call ReleaseNameplate and CloseMailbox first.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	conn := c.conn
	c.signalLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.Halt()
	return nil
}

var _ domain.RendezvousClient = (*Client)(nil)
