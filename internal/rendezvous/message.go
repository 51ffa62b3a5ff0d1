package rendezvous

import (
	"crypto/rand"
	"encoding/hex"

	"wormhole/internal/domain"
)

// Message types spoken between client and relay.
const (
	TypeWelcome   = "welcome"
	TypeBind      = "bind"
	TypeAllocate  = "allocate"
	TypeAllocated = "allocated"
	TypeClaim     = "claim"
	TypeClaimed   = "claimed"
	TypeRelease   = "release"
	TypeReleased  = "released"
	TypeOpen      = "open"
	TypeAdd       = "add"
	TypeAck       = "ack"
	TypeMessage   = "message"
	TypeClose     = "close"
	TypeClosed    = "closed"
	TypeError     = "error"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Error strings the relay uses for refused claims.
const (
	ErrCrowded   = "crowded"
	ErrReclaimed = "reclaimed"
)

// Welcome is the first thing the relay says on every connection.
type Welcome struct {
	MOTD  string `json:"motd,omitempty"`
	Error string `json:"error,omitempty"`
}

// Message is the single JSON envelope used in both directions. Only the
// fields relevant to Type are set. Body is hex so arbitrary ciphertext
// survives JSON.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Welcome *Welcome `json:"welcome,omitempty"`

	AppID     string `json:"appid,omitempty"`
	Side      string `json:"side,omitempty"`
	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Body      string `json:"body,omitempty"`
	Mood      string `json:"mood,omitempty"`
	Ping      int    `json:"ping,omitempty"`

	Error string `json:"error,omitempty"`
	Orig  string `json:"orig,omitempty"`
}

func newID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NewSide returns a fresh random side: 10 hex characters.
func NewSide() domain.Side {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("rendezvous: entropy source failed: " + err.Error())
	}
	return domain.Side(hex.EncodeToString(b[:]))
}
