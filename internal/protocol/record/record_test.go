package record_test

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"wormhole/internal/domain"
	"wormhole/internal/protocol/record"
)

func keys(t *testing.T) ([]byte, []byte) {
	t.Helper()
	a := make([]byte, 32)
	b := make([]byte, 32)
	_, err := rand.Read(a)
	require.NoError(t, err)
	_, err = rand.Read(b)
	require.NoError(t, err)
	return a, b
}

func pair(t *testing.T) (*record.Conn, *record.Conn) {
	t.Helper()
	l2f, f2l := keys(t)
	c1, c2 := net.Pipe()
	leader := record.New(c1, l2f, f2l)
	follower := record.New(c2, f2l, l2f)
	return leader, follower
}

func TestConn_RoundTripBothDirections(t *testing.T) {
	leader, follower := pair(t)

	payload := make([]byte, 3*record.MaxPayloadSize+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := leader.Write(payload)
		if err == nil {
			err = leader.Close()
		}
		errCh <- err
	}()

	got, err := io.ReadAll(follower)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))
	require.NoError(t, <-errCh)

	// Reads keep returning EOF after the close frame.
	n, err := follower.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, follower.Close())
}

func TestConn_ReverseDirection(t *testing.T) {
	leader, follower := pair(t)
	defer leader.Close()
	defer follower.Close()

	go func() { _, _ = follower.Write([]byte("pong")) }()

	buf := make([]byte, 4)
	_, err := io.ReadFull(leader, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))
}

func TestConn_TruncationDetected(t *testing.T) {
	l2f, f2l := keys(t)
	c1, c2 := net.Pipe()
	follower := record.New(c2, f2l, l2f)

	go func() {
		w := record.New(c1, l2f, f2l)
		_, _ = w.Write([]byte("partial"))
		// Drop the transport without a close frame.
		_ = c1.Close()
	}()

	buf := make([]byte, 7)
	_, err := io.ReadFull(follower, buf)
	require.NoError(t, err)
	_, err = follower.Read(buf)
	require.ErrorIs(t, err, record.ErrTruncated)
}

func TestConn_TamperedRecordFails(t *testing.T) {
	l2f, f2l := keys(t)
	c1, c2 := net.Pipe()
	follower := record.New(c2, f2l, l2f)

	go func() {
		// Capture a valid record, flip a bit, and forward it.
		a, b := net.Pipe()
		w := record.New(a, l2f, f2l)
		go func() { _, _ = w.Write([]byte("hello")) }()

		var hdr [4]byte
		_, _ = io.ReadFull(b, hdr[:])
		body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		_, _ = io.ReadFull(b, body)
		body[0] ^= 0x01
		_, _ = c1.Write(append(hdr[:], body...))
	}()

	_, err := follower.Read(make([]byte, 16))
	require.ErrorIs(t, err, domain.ErrAuthentication)

	// The failure is permanent.
	_, err = follower.Read(make([]byte, 16))
	require.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestConn_WrongDirectionKeyFails(t *testing.T) {
	l2f, f2l := keys(t)
	c1, c2 := net.Pipe()
	// Both ends encrypt with the same key; the reader expects the other.
	a := record.New(c1, l2f, f2l)
	b := record.New(c2, l2f, f2l)

	go func() { _, _ = a.Write([]byte("reflected")) }()
	_, err := b.Read(make([]byte, 16))
	require.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestConn_WriteAfterClose(t *testing.T) {
	leader, follower := pair(t)
	go func() { _, _ = io.Copy(io.Discard, follower) }()

	require.NoError(t, leader.Close())
	_, err := leader.Write([]byte("late"))
	require.ErrorIs(t, err, record.ErrClosed)
	require.NoError(t, leader.Close())
}
