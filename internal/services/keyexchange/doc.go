// Package keyexchange runs the PAKE handshake over a rendezvous phase
// channel and confirms that both sides derived the same key.
//
// Each side sends its SPAKE2 message as phase "pake", derives the session
// key from the peer's, and then sends phase "version" encrypted under that
// key. Being able to decrypt the peer's "version" is the only evidence that
// both sides typed the same code; failing to is reported as
// domain.ErrWrongPassword.
//
// Every phase body is encrypted under its own key derived from the session
// key, the sending side and the phase name, so each key protects exactly
// one message.
package keyexchange
