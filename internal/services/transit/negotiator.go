package transit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/crypto"
	"wormhole/internal/domain"
	"wormhole/internal/log"
	"wormhole/internal/protocol/record"
	"wormhole/internal/proxy"
	"wormhole/internal/timing"
)

const (
	DefaultRelayDelay   = 2 * time.Second
	DefaultSettleWindow = 50 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
)

// ErrAlreadyConnected is returned by a second call to Connect.
var ErrAlreadyConnected = errors.New("transit: negotiator already used")

// Config configures one negotiation.
type Config struct {
	// Key is the transit key derived from the session key.
	Key      []byte
	Side     domain.Side
	PeerSide domain.Side

	// Listen accepts direct connections from the peer on ListenAddr
	// (":0" when empty). The advertised hosts are AdvertiseAddrs, or every
	// local unicast address when that is empty.
	Listen         bool
	ListenAddr     string
	AdvertiseAddrs []string

	// Relays are our transit relays. The peer's relay hints are used too.
	Relays []Hint

	// Dial makes outbound TCP connections; nil dials directly.
	Dial proxy.DialContextFn

	// RelayDelay holds back relay attempts to give direct ones a head
	// start. It is skipped when there is no direct candidate at all.
	RelayDelay time.Duration
	// SettleWindow is how long the leader waits after the first
	// confirmation for better candidates.
	SettleWindow time.Duration
	// Timeout bounds the whole negotiation.
	Timeout time.Duration

	Log    *logging.Logger
	Timing *timing.Timing
}

// Conn is the winning, encrypted transit connection.
type Conn struct {
	*record.Conn

	// Hint is how the connection was made. Inbound connections carry a
	// direct hint with the peer's address.
	Hint Hint
	RTT  time.Duration
}

// Negotiator races every candidate connection between two sides and keeps
// exactly one.
type Negotiator struct {
	cfg  Config
	log  *logging.Logger
	role Role
	keys *keys

	ln    net.Listener
	hints []Hint

	mu       sync.Mutex
	attempts []*attempt
	nextID   int
	decided  bool
	used     bool
}

// New validates cfg and, if listening, opens the listener so that Hints
// can be sent to the peer before Connect.
func New(cfg Config) (*Negotiator, error) {
	if len(cfg.Key) != crypto.KeySize {
		return nil, fmt.Errorf("transit: key must be %d bytes", crypto.KeySize)
	}
	if cfg.Side == "" || cfg.PeerSide == "" || cfg.Side == cfg.PeerSide {
		return nil, errors.New("transit: need two distinct sides")
	}
	if cfg.RelayDelay < 0 {
		cfg.RelayDelay = 0
	} else if cfg.RelayDelay == 0 {
		cfg.RelayDelay = DefaultRelayDelay
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = DefaultSettleWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = proxy.Direct()
	}
	if cfg.Log == nil {
		cfg.Log = log.Discard().GetLogger("transit")
	}

	role := RoleFor(cfg.Side, cfg.PeerSide)
	n := &Negotiator{
		cfg:  cfg,
		log:  cfg.Log,
		role: role,
		keys: deriveKeys(cfg.Key, role),
	}

	if cfg.Listen {
		if err := n.listen(); err != nil {
			return nil, err
		}
	}
	for _, r := range cfg.Relays {
		r.Type = HintRelay
		n.hints = append(n.hints, r)
	}
	return n, nil
}

func (n *Negotiator) listen() error {
	addr := n.cfg.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transit: listen: %w", err)
	}
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return err
	}
	p, _ := strconv.Atoi(port)

	hosts := n.cfg.AdvertiseAddrs
	if len(hosts) == 0 {
		if hosts, err = localAddresses(); err != nil {
			ln.Close()
			return fmt.Errorf("transit: listing addresses: %w", err)
		}
	}
	for _, h := range hosts {
		n.hints = append(n.hints, Hint{Type: HintDirect, Hostname: h, Port: p})
	}
	n.ln = ln
	n.log.Debugf("Listening on %v", ln.Addr())
	return nil
}

// Hints returns our candidates for the peer.
func (n *Negotiator) Hints() []Hint { return append([]Hint(nil), n.hints...) }

// Role returns our handshake role.
func (n *Negotiator) Role() Role { return n.role }

// Close releases the listener. Connect does this itself; Close is for a
// Negotiator that never got to Connect.
func (n *Negotiator) Close() error {
	if n.ln != nil {
		if err := n.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

// Connect tries every candidate until one is confirmed by both sides or
// the timeout expires, in which case domain.ErrTransitConnect is returned.
// Every socket but the winner's is closed before Connect returns.
func (n *Negotiator) Connect(ctx context.Context, peer []Hint) (*Conn, error) {
	n.mu.Lock()
	if n.used {
		n.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	n.used = true
	n.mu.Unlock()
	defer n.keys.wipe()

	ev := n.cfg.Timing.Add("transit").Detail("role", string(n.role))
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		g         errgroup.Group
		confirmed = make(chan *attempt)
		decided   = make(chan struct{})
	)

	if n.ln != nil {
		g.Go(func() error {
			n.acceptLoop(stopCtx, &g, confirmed, decided)
			return nil
		})
		g.Go(func() error {
			<-stopCtx.Done()
			return n.Close()
		})
	}

	var direct, relays []Hint
	seen := make(map[string]bool)
	for _, h := range append(append([]Hint(nil), peer...), n.cfg.Relays...) {
		key := h.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if h.Type == HintDirect {
			direct = append(direct, h)
		} else {
			relays = append(relays, h)
		}
	}
	relayDelay := n.cfg.RelayDelay
	if len(direct) == 0 && n.ln == nil {
		relayDelay = 0
	}
	for _, h := range direct {
		n.startDial(stopCtx, &g, h, 0, confirmed, decided)
	}
	for _, h := range relays {
		n.startDial(stopCtx, &g, h, relayDelay, confirmed, decided)
	}

	winner := n.decide(ctx, confirmed)
	close(decided)
	stop()
	n.abandonAll()
	_ = g.Wait()

	if winner == nil {
		ev.Detail("result", "failed").Finish()
		n.log.Noticef("No transit connection within %v", n.cfg.Timeout)
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransitConnect, err)
		}
		return nil, domain.ErrTransitConnect
	}

	conn := winner.conn
	_ = conn.SetDeadline(time.Time{})
	ev.Detail("winner", winner.hint.String()).Finish()
	n.log.Noticef("Transit connected via %s (rtt %v)", winner.hint, winner.rtt)
	return &Conn{
		Conn: record.New(conn, n.keys.sendKey, n.keys.recvKey),
		Hint: winner.hint,
		RTT:  winner.rtt,
	}, nil
}

// newAttempt registers an attempt, or returns nil once a winner is picked.
func (n *Negotiator) newAttempt(h Hint, inbound bool) *attempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.decided {
		return nil
	}
	n.nextID++
	a := &attempt{id: n.nextID, hint: h, inbound: inbound, priority: h.Priority}
	n.attempts = append(n.attempts, a)
	return a
}

// abandonAll closes every attempt that did not win.
func (n *Negotiator) abandonAll() {
	n.mu.Lock()
	n.decided = true
	attempts := n.attempts
	n.mu.Unlock()
	for _, a := range attempts {
		a.finish(StateAbandoned)
	}
}

func (n *Negotiator) startDial(ctx context.Context, g *errgroup.Group, h Hint, delay time.Duration, confirmed chan<- *attempt, decided <-chan struct{}) {
	a := n.newAttempt(h, false)
	if a == nil {
		return
	}
	g.Go(func() error {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				a.finish(StateAbandoned)
				return nil
			}
		}
		a.setState(StateConnecting)
		conn, err := n.cfg.Dial(ctx, "tcp", h.Addr())
		if err != nil {
			n.log.Debugf("Attempt %d to %s failed: %v", a.id, h, err)
			a.finish(StateRejected)
			return nil
		}
		if !a.attach(conn) {
			return nil
		}
		n.run(ctx, a, conn, confirmed, decided)
		return nil
	})
}

func (n *Negotiator) acceptLoop(ctx context.Context, g *errgroup.Group, confirmed chan<- *attempt, decided <-chan struct{}) {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				n.log.Warningf("Accept failed: %v", err)
			}
			return
		}
		hint := Hint{Type: HintDirect}
		if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			hint.Hostname = host
			hint.Port, _ = strconv.Atoi(port)
		}
		a := n.newAttempt(hint, true)
		if a == nil {
			conn.Close()
			return
		}
		if !a.attach(conn) {
			continue
		}
		g.Go(func() error {
			n.run(ctx, a, conn, confirmed, decided)
			return nil
		})
	}
}

// run handshakes on conn and offers the attempt to decide.
func (n *Negotiator) run(ctx context.Context, a *attempt, conn net.Conn, confirmed chan<- *attempt, decided <-chan struct{}) {
	if err := n.handshake(ctx, a, conn); err != nil {
		n.log.Debugf("Attempt %d via %s rejected: %v", a.id, a.hint, err)
		a.finish(StateRejected)
		return
	}

	if n.role == Follower {
		line, err := readLine(conn)
		if err != nil || line != msgGo {
			a.finish(StateRejected)
			return
		}
	}
	a.setState(StateConfirmed)

	select {
	case confirmed <- a:
	case <-decided:
		if n.role == Leader {
			_, _ = conn.Write([]byte(msgNevermind))
		}
		a.finish(StateAbandoned)
	}
}

func (n *Negotiator) handshake(ctx context.Context, a *attempt, conn net.Conn) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if !a.inbound && a.hint.Type == HintRelay {
		if _, err := conn.Write([]byte(relayHello(n.keys.relayToken, n.cfg.Side))); err != nil {
			return err
		}
		if err := expect(conn, msgOK); err != nil {
			return err
		}
	}
	a.setState(StateHandshaking)
	start := time.Now()
	if err := exchangePreambles(conn, n.keys); err != nil {
		return err
	}
	a.rtt = time.Since(start)
	return nil
}

// decide picks the winner. The follower takes whatever the leader said go
// to; the leader waits out the settle window and takes the best.
func (n *Negotiator) decide(ctx context.Context, confirmed <-chan *attempt) *attempt {
	if n.role == Follower {
		select {
		case a := <-confirmed:
			a.win()
			return a
		case <-ctx.Done():
			return nil
		}
	}

	var (
		cands  []*attempt
		settle <-chan time.Time
		timer  *time.Timer
	)
collect:
	for {
		select {
		case a := <-confirmed:
			cands = append(cands, a)
			if timer == nil {
				timer = time.NewTimer(n.cfg.SettleWindow)
				defer timer.Stop()
				settle = timer.C
			}
		case <-settle:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	sort.SliceStable(cands, func(i, j int) bool { return better(cands[i], cands[j]) })
	var winner *attempt
	for _, a := range cands {
		if winner == nil {
			if _, err := a.conn.Write([]byte(msgGo)); err == nil {
				a.win()
				winner = a
				continue
			}
			a.finish(StateRejected)
			continue
		}
		_, _ = a.conn.Write([]byte(msgNevermind))
		a.finish(StateAbandoned)
	}
	return winner
}
