package transit

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// State is where a connection attempt is.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateHandshaking
	StateConfirmed
	StateRejected
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConfirmed:
		return "CONFIRMED"
	case StateRejected:
		return "REJECTED"
	case StateAbandoned:
		return "ABANDONED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// attempt is one candidate connection, outbound or inbound.
type attempt struct {
	id       int
	hint     Hint
	inbound  bool
	rtt      time.Duration
	priority float64

	mu      sync.Mutex
	state   State
	conn    net.Conn
	keep    bool
	dispose sync.Once
}

func (a *attempt) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAbandoned || a.state == StateRejected {
		return
	}
	a.state = s
}

func (a *attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// attach records the socket once connected. It returns false when the
// attempt was already abandoned, in which case conn is closed.
func (a *attempt) attach(conn net.Conn) bool {
	a.mu.Lock()
	if a.state == StateAbandoned {
		a.mu.Unlock()
		conn.Close()
		return false
	}
	a.conn = conn
	a.mu.Unlock()
	return true
}

// finish moves the attempt to a terminal state and closes its socket,
// exactly once. The winner is never finished.
func (a *attempt) finish(s State) {
	a.dispose.Do(func() {
		a.mu.Lock()
		if a.keep {
			a.mu.Unlock()
			return
		}
		a.state = s
		conn := a.conn
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// win marks the attempt as the one to keep.
func (a *attempt) win() net.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keep = true
	a.state = StateConfirmed
	return a.conn
}

func (a *attempt) direct() bool { return a.hint.Type == HintDirect }

// better orders confirmed attempts: direct before relay, then the faster
// handshake, then the higher priority, then whichever started first.
func better(a, b *attempt) bool {
	if a.direct() != b.direct() {
		return a.direct()
	}
	if a.rtt != b.rtt {
		return a.rtt < b.rtt
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.id < b.id
}
