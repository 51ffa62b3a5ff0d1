package rendezvous

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"wormhole/internal/proxy"
)

// Conn is one transport connection to the relay carrying Messages.
type Conn interface {
	Send(m *Message) error
	Receive(m *Message) error
	Close() error
}

// DialFunc opens a fresh Conn. The client calls it again on reconnect.
type DialFunc func(ctx context.Context) (Conn, error)

type wsConn struct {
	ws *websocket.Conn

	wmu sync.Mutex
}

func (c *wsConn) Send(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return websocket.JSON.Send(c.ws, m)
}

func (c *wsConn) Receive(m *Message) error { return websocket.JSON.Receive(c.ws, m) }
func (c *wsConn) Close() error             { return c.ws.Close() }

// NewWebSocketConn wraps an established WebSocket.
func NewWebSocketConn(ws *websocket.Conn) Conn { return &wsConn{ws: ws} }

// WebSocketDialer returns a DialFunc for a ws:// or wss:// relay URL. The
// TCP connection is made with dial, so it can go through a proxy; nil dials
// directly.
func WebSocketDialer(relayURL string, dial proxy.DialContextFn) DialFunc {
	if dial == nil {
		dial = proxy.Direct()
	}
	return func(ctx context.Context) (Conn, error) {
		cfg, err := websocket.NewConfig(relayURL, "http://localhost/")
		if err != nil {
			return nil, fmt.Errorf("rendezvous: bad relay url: %w", err)
		}
		addr, err := hostPort(cfg.Location)
		if err != nil {
			return nil, err
		}

		raw, err := dial(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if cfg.Location.Scheme == "wss" {
			tc := tls.Client(raw, &tls.Config{ServerName: cfg.Location.Hostname()})
			if err := tc.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, err
			}
			raw = tc
		}

		// The handshake itself does not take a context.
		if dl, ok := ctx.Deadline(); ok {
			_ = raw.SetDeadline(dl)
		}
		ws, err := websocket.NewClient(cfg, raw)
		if err != nil {
			raw.Close()
			return nil, err
		}
		_ = raw.SetDeadline(time.Time{})
		return NewWebSocketConn(ws), nil
	}
}

func hostPort(u *url.URL) (string, error) {
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "ws":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	case "wss":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	}
	return "", fmt.Errorf("rendezvous: unsupported scheme %q", u.Scheme)
}

type jsonConn struct {
	c   net.Conn
	dec *json.Decoder

	wmu sync.Mutex
	enc *json.Encoder
}

// NewJSONConn speaks newline-delimited JSON over any net.Conn.
func NewJSONConn(c net.Conn) Conn {
	return &jsonConn{c: c, dec: json.NewDecoder(c), enc: json.NewEncoder(c)}
}

func (c *jsonConn) Send(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(m)
}

func (c *jsonConn) Receive(m *Message) error { return c.dec.Decode(m) }
func (c *jsonConn) Close() error             { return c.c.Close() }

// Pipe returns two connected in-memory Conns.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return NewJSONConn(a), NewJSONConn(b)
}
