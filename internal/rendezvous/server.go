package rendezvous

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/log"
)

const (
	maxSides     = 2
	outQueueSize = 128
)

// Stats is a point-in-time view of the server's state.
type Stats struct {
	Connections int
	Nameplates  int
	Mailboxes   int
	Messages    int
}

type nameplate struct {
	mailbox  string
	sides    map[string]bool
	released map[string]bool
	updated  time.Time
}

type mailbox struct {
	id        string
	sides     map[string]bool
	closed    map[string]bool
	messages  []*Message
	listeners map[*serverConn]struct{}
	updated   time.Time
}

func (mb *mailbox) has(side, phase string) bool {
	for _, m := range mb.messages {
		if m.Side == side && m.Phase == phase {
			return true
		}
	}
	return false
}

type appState struct {
	nameplates map[string]*nameplate
	mailboxes  map[string]*mailbox
}

// Server is an in-memory rendezvous relay. It is good enough for tests and
// local use; nothing survives a restart.
type Server struct {
	log *logging.Logger
	now func() time.Time

	mu         sync.Mutex
	motd       string
	welcomeErr string
	apps       map[string]*appState
	conns      map[*serverConn]struct{}
	moods      map[string]int
}

// NewServer returns an empty server. A nil logger discards output.
func NewServer(l *logging.Logger) *Server {
	if l == nil {
		l = log.Discard().GetLogger("rendezvous/server")
	}
	return &Server{
		log:   l,
		now:   time.Now,
		apps:  make(map[string]*appState),
		conns: make(map[*serverConn]struct{}),
		moods: make(map[string]int),
	}
}

// SetMOTD sets the message of the day sent in every welcome.
func (s *Server) SetMOTD(motd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motd = motd
}

// SetWelcomeError makes the server reject every new connection with msg.
// An empty msg accepts connections again.
func (s *Server) SetWelcomeError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcomeErr = msg
}

// Handler serves the relay over WebSocket.
func (s *Server) Handler() http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		s.ServeConn(NewWebSocketConn(ws))
	})
}

// Dialer returns a DialFunc that connects to s in memory.
func (s *Server) Dialer() DialFunc {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, server := Pipe()
		go s.ServeConn(server)
		return client, nil
	}
}

type serverConn struct {
	conn Conn
	out  chan *Message
	done chan struct{}
	once sync.Once

	appID   string
	side    string
	mailbox *mailbox
}

func (sc *serverConn) send(m *Message) bool {
	select {
	case sc.out <- m:
		return true
	case <-sc.done:
		return false
	default:
		// Too slow to keep up; drop it and let it reconnect.
		sc.close()
		return false
	}
}

func (sc *serverConn) close() {
	sc.once.Do(func() {
		close(sc.done)
		sc.conn.Close()
	})
}

func (sc *serverConn) writeLoop() {
	for {
		select {
		case m := <-sc.out:
			if err := sc.conn.Send(m); err != nil {
				sc.close()
				return
			}
		case <-sc.done:
			return
		}
	}
}

// ServeConn speaks the relay protocol on conn until it closes.
func (s *Server) ServeConn(conn Conn) {
	sc := &serverConn{
		conn: conn,
		out:  make(chan *Message, outQueueSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	welcome := &Welcome{MOTD: s.motd, Error: s.welcomeErr}
	reject := s.welcomeErr != ""
	if !reject {
		s.conns[sc] = struct{}{}
	}
	s.mu.Unlock()

	if reject {
		_ = conn.Send(&Message{Type: TypeWelcome, Welcome: welcome})
		conn.Close()
		return
	}

	go sc.writeLoop()
	sc.send(&Message{Type: TypeWelcome, Welcome: welcome})

	for {
		m := new(Message)
		if err := conn.Receive(m); err != nil {
			break
		}
		s.mu.Lock()
		reply := s.handle(sc, m)
		s.mu.Unlock()
		if reply != nil {
			reply.ID = m.ID
			sc.send(reply)
		}
	}

	s.mu.Lock()
	if sc.mailbox != nil {
		delete(sc.mailbox.listeners, sc)
		sc.mailbox.updated = s.now()
	}
	delete(s.conns, sc)
	s.mu.Unlock()
	sc.close()
}

func errorReply(orig *Message, msg string) *Message {
	return &Message{Type: TypeError, Error: msg, Orig: orig.Type}
}

// handle must be called with s.mu held.
func (s *Server) handle(sc *serverConn, m *Message) *Message {
	if m.Type == TypePing {
		return &Message{Type: TypePong, Ping: m.Ping}
	}
	if m.Type == TypeBind {
		if m.AppID == "" || m.Side == "" {
			return errorReply(m, "bind requires appid and side")
		}
		if sc.side != "" {
			return errorReply(m, "already bound")
		}
		sc.appID, sc.side = m.AppID, m.Side
		return nil
	}
	if sc.side == "" {
		return errorReply(m, "must bind first")
	}

	app := s.app(sc.appID)
	now := s.now()
	switch m.Type {
	case TypeAllocate:
		id := s.allocate(app)
		app.nameplates[id] = &nameplate{
			mailbox:  uuid.NewString(),
			sides:    map[string]bool{sc.side: true},
			released: make(map[string]bool),
			updated:  now,
		}
		s.log.Debugf("Allocated nameplate %s", id)
		return &Message{Type: TypeAllocated, Nameplate: id}

	case TypeClaim:
		if m.Nameplate == "" {
			return errorReply(m, "claim requires nameplate")
		}
		np := app.nameplates[m.Nameplate]
		if np == nil {
			np = &nameplate{
				mailbox:  uuid.NewString(),
				sides:    make(map[string]bool),
				released: make(map[string]bool),
			}
			app.nameplates[m.Nameplate] = np
		}
		if np.released[sc.side] {
			return errorReply(m, ErrReclaimed)
		}
		if !np.sides[sc.side] {
			if len(np.sides) >= maxSides {
				return errorReply(m, ErrCrowded)
			}
			np.sides[sc.side] = true
		}
		np.updated = now
		return &Message{Type: TypeClaimed, Mailbox: np.mailbox}

	case TypeRelease:
		if np := app.nameplates[m.Nameplate]; np != nil && np.sides[sc.side] {
			delete(np.sides, sc.side)
			np.released[sc.side] = true
			np.updated = now
			if len(np.sides) == 0 {
				delete(app.nameplates, m.Nameplate)
			}
		}
		return &Message{Type: TypeReleased}

	case TypeOpen:
		if m.Mailbox == "" {
			return errorReply(m, "open requires mailbox")
		}
		mb := app.mailboxes[m.Mailbox]
		if mb == nil {
			mb = &mailbox{
				id:        m.Mailbox,
				sides:     make(map[string]bool),
				closed:    make(map[string]bool),
				listeners: make(map[*serverConn]struct{}),
			}
			app.mailboxes[m.Mailbox] = mb
		}
		if !mb.sides[sc.side] && len(mb.sides) >= maxSides {
			return errorReply(m, ErrCrowded)
		}
		mb.sides[sc.side] = true
		mb.listeners[sc] = struct{}{}
		mb.updated = now
		sc.mailbox = mb
		for _, msg := range mb.messages {
			sc.send(msg)
		}
		return nil

	case TypeAdd:
		mb := sc.mailbox
		if mb == nil {
			return errorReply(m, "must open mailbox first")
		}
		msg := &Message{Type: TypeMessage, Side: sc.side, Phase: m.Phase, Body: m.Body}
		if mb.has(sc.side, m.Phase) {
			// A replay after reconnect; echo it so the sender can confirm.
			sc.send(msg)
			return &Message{Type: TypeAck}
		}
		mb.messages = append(mb.messages, msg)
		mb.updated = now
		for l := range mb.listeners {
			l.send(msg)
		}
		return &Message{Type: TypeAck}

	case TypeClose:
		mb := app.mailboxes[m.Mailbox]
		if mb == nil {
			return &Message{Type: TypeClosed}
		}
		delete(mb.listeners, sc)
		if sc.mailbox == mb {
			sc.mailbox = nil
		}
		mb.closed[sc.side] = true
		mb.updated = now
		if m.Mood != "" {
			s.moods[m.Mood]++
		}
		s.log.Debugf("Side %s closed mailbox %s (%s)", sc.side, mb.id, m.Mood)
		if len(mb.closed) >= len(mb.sides) {
			s.deleteMailbox(app, mb.id)
		}
		return &Message{Type: TypeClosed}
	}
	return errorReply(m, fmt.Sprintf("unknown message type %q", m.Type))
}

func (s *Server) app(id string) *appState {
	a := s.apps[id]
	if a == nil {
		a = &appState{
			nameplates: make(map[string]*nameplate),
			mailboxes:  make(map[string]*mailbox),
		}
		s.apps[id] = a
	}
	return a
}

// allocate returns the smallest unused nameplate.
func (s *Server) allocate(app *appState) string {
	for i := 1; ; i++ {
		id := strconv.Itoa(i)
		if _, ok := app.nameplates[id]; !ok {
			return id
		}
	}
}

// deleteMailbox removes the mailbox and any nameplate pointing at it, and
// returns how many objects went away.
func (s *Server) deleteMailbox(app *appState, id string) int {
	delete(app.mailboxes, id)
	n := 1
	for name, np := range app.nameplates {
		if np.mailbox == id {
			delete(app.nameplates, name)
			n++
		}
	}
	return n
}

// Prune drops nameplates and mailboxes nobody is listening to that have
// been idle for longer than maxIdle. It returns how many were removed.
func (s *Server) Prune(now time.Time, maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxIdle)
	n := 0
	for appID, app := range s.apps {
		for id, mb := range app.mailboxes {
			if len(mb.listeners) == 0 && mb.updated.Before(cutoff) {
				n += s.deleteMailbox(app, id)
			}
		}
		for name, np := range app.nameplates {
			if np.updated.Before(cutoff) {
				if _, live := app.mailboxes[np.mailbox]; !live {
					delete(app.nameplates, name)
					n++
				}
			}
		}
		if len(app.mailboxes) == 0 && len(app.nameplates) == 0 {
			delete(s.apps, appID)
		}
	}
	return n
}

// DropConnections closes every client connection without touching any
// mailbox state, as a relay restart behind a load balancer would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Connections: len(s.conns)}
	for _, app := range s.apps {
		st.Nameplates += len(app.nameplates)
		st.Mailboxes += len(app.mailboxes)
		for _, mb := range app.mailboxes {
			st.Messages += len(mb.messages)
		}
	}
	return st
}

// Moods returns how often each close mood was reported.
func (s *Server) Moods() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.moods))
	for k, v := range s.moods {
		out[k] = v
	}
	return out
}
