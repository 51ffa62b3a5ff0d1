package transit

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"

	"wormhole/internal/crypto"
	"wormhole/internal/domain"
)

// Role is our part in the transit handshake. The side that sorts first
// leads and picks the winning connection.
type Role string

const (
	Leader   Role = "leader"
	Follower Role = "follower"
)

// RoleFor returns our role given both sides.
func RoleFor(self, peer domain.Side) Role {
	if self < peer {
		return Leader
	}
	return Follower
}

func (r Role) peer() Role {
	if r == Leader {
		return Follower
	}
	return Leader
}

const (
	msgOK        = "ok\n"
	msgGo        = "go\n"
	msgNevermind = "nevermind\n"
	msgBad       = "bad handshake\n"

	maxLine = 256
)

var errBadHandshake = errors.New("transit: bad handshake")

// keys holds everything derived from the transit key.
type keys struct {
	ours, theirs []byte // handshake preambles
	relayToken   string
	sendKey      []byte
	recvKey      []byte
}

func deriveKeys(transitKey []byte, role Role) *keys {
	return &keys{
		ours:       preamble(transitKey, role),
		theirs:     preamble(transitKey, role.peer()),
		relayToken: hex.EncodeToString(crypto.DeriveKey(transitKey, "transit_relay_token", crypto.KeySize)),
		sendKey:    crypto.DeriveKey(transitKey, "transit_record_"+string(role)+"_key", crypto.KeySize),
		recvKey:    crypto.DeriveKey(transitKey, "transit_record_"+string(role.peer())+"_key", crypto.KeySize),
	}
}

func (k *keys) wipe() {
	crypto.Wipe(k.sendKey)
	crypto.Wipe(k.recvKey)
}

func preamble(transitKey []byte, role Role) []byte {
	k := crypto.DeriveKey(transitKey, "transit_"+string(role)+"_handshake", crypto.KeySize)
	return []byte("transit " + string(role) + " " + hex.EncodeToString(k) + "\n\n")
}

// relayHello is the first line a client sends to a transit relay.
func relayHello(token string, side domain.Side) string {
	return fmt.Sprintf("please relay %s for side %s\n", token, side)
}

// exchangePreambles writes ours and requires the peer's exact preamble.
func exchangePreambles(conn net.Conn, k *keys) error {
	if _, err := conn.Write(k.ours); err != nil {
		return err
	}
	got := make([]byte, len(k.theirs))
	if _, err := io.ReadFull(conn, got); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, k.theirs) != 1 {
		return errBadHandshake
	}
	return nil
}

// expect reads exactly len(want) bytes and compares them.
func expect(conn net.Conn, want string) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		return err
	}
	if string(got) != want {
		return fmt.Errorf("%w: got %q", errBadHandshake, got)
	}
	return nil
}

// readLine reads up to and including '\n' one byte at a time, so nothing
// after the line is consumed.
func readLine(r io.Reader) (string, error) {
	var buf [1]byte
	line := make([]byte, 0, 64)
	for len(line) < maxLine {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", err
		}
		line = append(line, buf[0])
		if buf[0] == '\n' {
			return string(line), nil
		}
	}
	return "", errBadHandshake
}
