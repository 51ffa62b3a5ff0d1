// Package session implements the Wormhole Session: the state machine an
// application drives to go from a code to an encrypted message channel.
//
// It parses (or generates) the code, claims the nameplate and opens the
// mailbox, runs the key exchange, and then turns the rendezvous phase stream
// into decrypted application messages. Errors before the key is confirmed
// end the session; after that, a message that fails to decrypt is logged and
// dropped, unless it happens often enough to cross the configured limit.
package session
