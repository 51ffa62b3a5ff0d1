// Package transit turns a confirmed wormhole key into a single authenticated
// byte stream between the two sides.
//
// Each side advertises hints: the addresses it listens on and the transit
// relays it knows. Both sides then try every candidate at once, direct
// connections first and relays after a short delay. Every candidate runs
// the same handshake, proving knowledge of the transit key with a
// role-specific preamble. The side whose id sorts first is the leader: it
// waits a brief settle window after the first confirmed candidate, picks the
// best one (direct over relay, then lowest handshake round trip, then hint
// priority) and tells the follower "go" on it and "nevermind" on the rest.
// Everything but the winner is closed before Connect returns, and the
// winner is wrapped in the encrypted record layer.
//
// RelayServer is the other end of relay hints: it pairs the two sides by
// token and splices their sockets together.
package transit
