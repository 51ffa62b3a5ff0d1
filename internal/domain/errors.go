package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongPassword means the peer's "version" message did not decrypt:
	// the two sides typed different codes (or someone guessed and failed).
	ErrWrongPassword = errors.New("wormhole: key confirmation failed, the codes do not match")

	// ErrLonely means the peer never appeared before the caller's timeout.
	ErrLonely = errors.New("wormhole: timed out waiting for the other side")

	// ErrAuthentication is returned by Open and by every layer that decrypts
	// after key confirmation.
	ErrAuthentication = errors.New("wormhole: message authentication failed")

	// ErrTransitConnect means no transit candidate was confirmed in time.
	ErrTransitConnect = errors.New("transit: unable to establish a connection")

	// ErrNotReady is returned for operations that need a confirmed key.
	ErrNotReady = errors.New("wormhole: session is not ready")

	// ErrReservedPhase is returned when an application tries to send a
	// protocol phase.
	ErrReservedPhase = errors.New("wormhole: phase name is reserved")

	// ErrMailboxClosed is returned for sends after the mailbox was closed.
	ErrMailboxClosed = errors.New("rendezvous: mailbox is closed")

	// ErrDuplicatePhase is returned when a side sends the same phase twice.
	ErrDuplicatePhase = errors.New("rendezvous: phase already sent")
)

// KeyFormatError reports a code that fails structural validation. It is
// raised before any network traffic. The code itself is never included.
type KeyFormatError struct {
	Reason string
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("wormhole: malformed code: %s", e.Reason)
}

// NameplateUnavailableError reports that the relay refused a nameplate claim.
type NameplateUnavailableError struct {
	Nameplate Nameplate
	Reason    string
}

func (e *NameplateUnavailableError) Error() string {
	return fmt.Sprintf("rendezvous: nameplate %q unavailable: %s", e.Nameplate, e.Reason)
}

// WelcomeError reports that the relay rejected us outright (incompatible
// version, maintenance, ...). It is never retried.
type WelcomeError struct {
	Message string
}

func (e *WelcomeError) Error() string {
	return fmt.Sprintf("rendezvous: server rejected connection: %s", e.Message)
}

// RelayError is any other error the relay reported for a request.
type RelayError struct {
	Request string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("rendezvous: %s failed: %s", e.Request, e.Message)
}
