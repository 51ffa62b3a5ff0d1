// Package rendezvous implements the client side of the rendezvous relay
// protocol, plus a small in-memory relay for tests and local use.
//
// The relay is untrusted. It only ever sees nameplates, mailbox ids and
// opaque phase bodies, so the protocol is designed around two guarantees
// the client enforces on its own:
//
//   - each (side, phase) pair is handed to the caller at most once, even if
//     the relay redelivers it after a reconnect;
//   - messages we sent are never handed back to us; the relay's echo of an
//     add is taken as proof it was stored.
//
// Messages are JSON objects carried over a WebSocket (golang.org/x/net/websocket)
// or, in tests, over an in-memory pipe. Requests that expect a reply carry a
// random "id" which the relay copies into its answer.
//
// When the transport drops, the Client redials with capped exponential
// backoff and restores its state: it binds again, re-claims the nameplate,
// re-opens the mailbox and resends every add the relay has not yet echoed.
// A welcome carrying an error ends the session; it is never retried.
package rendezvous
