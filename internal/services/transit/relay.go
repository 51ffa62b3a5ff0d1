package transit

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/log"
	"wormhole/internal/worker"
)

const helloTimeout = 30 * time.Second

// RelayStats are the relay's counters.
type RelayStats struct {
	Waiting int
	Active  int
	Paired  uint64
	Bytes   uint64
}

// waiter is a connection parked until its peer shows up. While parked,
// its own goroutine reads from it so a client that hangs up is noticed.
type waiter struct {
	side string
	conn net.Conn
	done chan struct{}
	lost bool
}

// RelayServer pairs two connections that present the same token from
// different sides and copies bytes between them without looking at them.
type RelayServer struct {
	worker.Worker

	log *logging.Logger

	mu      sync.Mutex
	ln      net.Listener
	closing bool
	conns   map[net.Conn]struct{}
	waiting map[string]*waiter

	active atomic.Int64
	paired atomic.Uint64
	bytes  atomic.Uint64
}

// NewRelayServer returns an idle relay. A nil logger discards output.
func NewRelayServer(l *logging.Logger) *RelayServer {
	if l == nil {
		l = log.Discard().GetLogger("transit/relay")
	}
	return &RelayServer{
		log:     l,
		conns:   make(map[net.Conn]struct{}),
		waiting: make(map[string]*waiter),
	}
}

// Serve accepts connections on ln until Close.
func (s *RelayServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.Go(func() { s.handle(conn) })
	}
}

// Close stops accepting and drops every connection.
func (s *RelayServer) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.waiting = make(map[string]*waiter)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.Halt()
	return nil
}

// Stats returns current counters.
func (s *RelayServer) Stats() RelayStats {
	s.mu.Lock()
	waiting := len(s.waiting)
	s.mu.Unlock()
	return RelayStats{
		Waiting: waiting,
		Active:  int(s.active.Load()),
		Paired:  s.paired.Load(),
		Bytes:   s.bytes.Load(),
	}
}

// parseHello parses "please relay <token> for side <side>\n".
func parseHello(line string) (token, side string, ok bool) {
	f := strings.Fields(strings.TrimSuffix(line, "\n"))
	if len(f) != 6 || f[0] != "please" || f[1] != "relay" || f[3] != "for" || f[4] != "side" {
		return "", "", false
	}
	return f[2], f[5], true
}

func (s *RelayServer) drop(conns ...net.Conn) {
	s.mu.Lock()
	for _, c := range conns {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *RelayServer) handle(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	line, err := readLine(conn)
	if err != nil {
		s.drop(conn)
		return
	}
	token, side, ok := parseHello(line)
	if !ok {
		s.log.Debugf("Bad hello from %v", conn.RemoteAddr())
		_, _ = conn.Write([]byte(msgBad))
		s.drop(conn)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	for {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			s.drop(conn)
			return
		}
		w := s.waiting[token]
		if w == nil || w.side == side {
			me := &waiter{side: side, conn: conn, done: make(chan struct{})}
			s.waiting[token] = me
			s.mu.Unlock()
			if w != nil {
				// Same side again; the newer connection replaces the old.
				s.drop(w.conn)
			}
			s.watch(token, me)
			return
		}
		delete(s.waiting, token)
		s.mu.Unlock()

		if !w.claim() {
			s.log.Debugf("Waiter %v hung up before pairing", w.conn.RemoteAddr())
			s.drop(w.conn)
			continue
		}
		if _, err := w.conn.Write([]byte(msgOK)); err != nil {
			// The waiting side went away; wait in its place.
			s.drop(w.conn)
			continue
		}
		if _, err := conn.Write([]byte(msgOK)); err != nil {
			s.drop(w.conn, conn)
			return
		}

		s.paired.Add(1)
		s.active.Add(1)
		s.log.Debugf("Paired %v with %v", w.conn.RemoteAddr(), conn.RemoteAddr())
		s.splice(w.conn, conn)
		s.active.Add(-1)
		s.drop(w.conn, conn)
		return
	}
}

// watch blocks until the waiter is claimed or its client goes away. A
// client must not send before "ok", so any read result but the claim's
// deadline means the waiter is gone.
func (s *RelayServer) watch(token string, w *waiter) {
	defer close(w.done)
	_, err := w.conn.Read(make([]byte, 1))
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return
	}
	w.lost = true

	s.mu.Lock()
	owned := s.waiting[token] == w
	if owned {
		delete(s.waiting, token)
	}
	s.mu.Unlock()
	// Otherwise whoever took it out of waiting disposes of it.
	if owned {
		s.log.Debugf("Waiter %v went away", w.conn.RemoteAddr())
		s.drop(w.conn)
	}
}

// claim stops the waiter's watch. It returns false if the client has
// already gone. The caller must have removed w from waiting.
func (w *waiter) claim() bool {
	_ = w.conn.SetReadDeadline(time.Now())
	<-w.done
	_ = w.conn.SetReadDeadline(time.Time{})
	return !w.lost
}

type closeWriter interface {
	CloseWrite() error
}

func (s *RelayServer) splice(a, b net.Conn) {
	var wg sync.WaitGroup
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		n, _ := io.Copy(dst, src)
		s.bytes.Add(uint64(n))
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			dst.Close()
		}
	}
	wg.Add(2)
	go pipe(a, b)
	go pipe(b, a)
	wg.Wait()
}
