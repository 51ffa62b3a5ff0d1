package domain

// AppID namespaces a wormhole application on the relay. Two programs with
// different AppIDs can never meet, even with the same code.
type AppID string

// String returns the string form of the application id.
func (a AppID) String() string { return string(a) }

// Side is the random per-session identifier distinguishing the two
// participants of a mailbox.
type Side string

// String returns the string form of the side.
func (s Side) String() string { return string(s) }

// Nameplate is the short numeric identifier used to locate a mailbox.
type Nameplate string

// String returns the string form of the nameplate.
func (n Nameplate) String() string { return string(n) }

// MailboxID is the relay-assigned identifier of a mailbox.
type MailboxID string

// String returns the string form of the mailbox id.
func (m MailboxID) String() string { return string(m) }

// Phase names one message within a mailbox.
type Phase string

// String returns the string form of the phase.
func (p Phase) String() string { return string(p) }

// Phases used by the protocol itself. Applications may not send these.
const (
	PhasePake    Phase = "pake"
	PhaseVersion Phase = "version"
	PhaseTransit Phase = "transit"
)

// IsReserved reports whether p is used internally by the protocol.
func (p Phase) IsReserved() bool {
	switch p {
	case PhasePake, PhaseVersion, PhaseTransit:
		return true
	}
	return false
}

// Mood is the diagnostic tag reported to the relay when a mailbox is closed.
type Mood string

const (
	MoodHappy  Mood = "happy"  // key confirmed, session completed
	MoodLonely Mood = "lonely" // peer never showed up
	MoodScary  Mood = "scary"  // key confirmation failed
	MoodErrory Mood = "errory" // local or relay error
	MoodQuiet  Mood = "quiet"  // abandoned before anything happened
)

// SessionKeySize is the size of the PAKE-derived session key.
const SessionKeySize = 32

// SessionKey is the symmetric secret shared by both sides after a successful
// PAKE. It only ever lives in memory.
type SessionKey [SessionKeySize]byte

// Slice returns the key as a byte slice aliasing the array.
func (k *SessionKey) Slice() []byte { return k[:] }

// PhaseMessage is one message observed in a mailbox.
type PhaseMessage struct {
	Side  Side
	Phase Phase
	Body  []byte
}

// AppVersions is the free-form capability map exchanged inside the encrypted
// "version" phase.
type AppVersions map[string]any
