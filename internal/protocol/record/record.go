package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"wormhole/internal/crypto"
)

const (
	// MaxPayloadSize is the largest payload carried by a single frame.
	// Larger writes are split.
	MaxPayloadSize = 64 * 1024

	// maxRecordSize bounds the length prefix we accept from the peer.
	maxRecordSize = MaxPayloadSize + 64 + crypto.Overhead

	lengthSize = 4
)

// FrameType says what a frame carries.
type FrameType uint8

const (
	// FrameData carries application bytes.
	FrameData FrameType = iota
	// FrameClose is the last frame in a direction. Its absence before EOF
	// means the stream was truncated.
	FrameClose
)

// Frame is the plaintext inside each record.
type Frame struct {
	Type    FrameType
	Payload []byte
}

var (
	// ErrTruncated is returned when the transport ends without a close frame.
	ErrTruncated = errors.New("record: stream truncated")

	// ErrRecordTooLarge is returned for a length prefix over the limit.
	ErrRecordTooLarge = errors.New("record: record too large")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("record: use of closed connection")
)

// Conn wraps a net.Conn with an encrypted, ordered record layer. Each
// direction has its own key and a 64-bit counter used as the nonce; the
// counters are never reset, so a Conn must not outlive 2^64 records.
type Conn struct {
	conn net.Conn

	sendKey []byte
	recvKey []byte

	wmu     sync.Mutex
	sendSeq uint64
	closed  bool

	rmu     sync.Mutex
	recvSeq uint64
	pending []byte
	rerr    error

	closeOnce sync.Once
	closeErr  error
}

// New returns a Conn that encrypts outgoing records with sendKey and
// decrypts incoming records with recvKey. The keys are copied.
func New(conn net.Conn, sendKey, recvKey []byte) *Conn {
	return &Conn{
		conn:    conn,
		sendKey: append([]byte(nil), sendKey...),
		recvKey: append([]byte(nil), recvKey...),
	}
}

// Write encrypts p into one or more data frames.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	n := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxPayloadSize {
			chunk = chunk[:MaxPayloadSize]
		}
		if err := c.writeFrame(&Frame{Type: FrameData, Payload: chunk}); err != nil {
			return n, err
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// writeFrame must be called with wmu held.
func (c *Conn) writeFrame(f *Frame) error {
	serialized, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	ct, err := crypto.Seal(c.sendKey, crypto.NonceFromCounter(c.sendSeq), serialized, nil)
	if err != nil {
		return err
	}
	c.sendSeq++

	buf := make([]byte, lengthSize+len(ct))
	binary.BigEndian.PutUint32(buf, uint32(len(ct)))
	copy(buf[lengthSize:], ct)
	_, err = c.conn.Write(buf)
	return err
}

// Read returns decrypted application bytes. It returns io.EOF after the
// peer's close frame and ErrTruncated if the transport ends first. Any
// authentication failure is permanent.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		if c.rerr != nil {
			return 0, c.rerr
		}
		f, err := c.readFrame()
		if err != nil {
			c.rerr = err
			return 0, err
		}
		switch f.Type {
		case FrameData:
			c.pending = f.Payload
		case FrameClose:
			c.rerr = io.EOF
		default:
			c.rerr = fmt.Errorf("record: unknown frame type %d", f.Type)
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// readFrame must be called with rmu held.
func (c *Conn) readFrame() (*Frame, error) {
	var hdr [lengthSize]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxRecordSize {
		return nil, ErrRecordTooLarge
	}
	ct := make([]byte, size)
	if _, err := io.ReadFull(c.conn, ct); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	pt, err := crypto.Open(c.recvKey, crypto.NonceFromCounter(c.recvSeq), ct, nil)
	if err != nil {
		return nil, err
	}
	c.recvSeq++

	f := new(Frame)
	if err := cbor.Unmarshal(pt, f); err != nil {
		return nil, fmt.Errorf("record: malformed frame: %w", err)
	}
	return f, nil
}

// Close sends a close frame and closes the underlying connection. Further
// calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		if !c.closed {
			c.closed = true
			// Best effort; the peer sees ErrTruncated if this is lost.
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.writeFrame(&Frame{Type: FrameClose})
		}
		crypto.Wipe(c.sendKey)
		c.wmu.Unlock()

		c.closeErr = c.conn.Close()

		c.rmu.Lock()
		crypto.Wipe(c.recvKey)
		if c.rerr == nil {
			c.rerr = net.ErrClosed
		}
		c.rmu.Unlock()
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

var _ io.ReadWriteCloser = (*Conn)(nil)
