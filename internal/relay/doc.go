// Package relay runs the development relay daemon used by wormhole clients
// in tests and on private networks.
//
// One process hosts both halves of the public infrastructure:
//
//   - The rendezvous server, JSON over WebSocket, on the HTTP listener at
//     /v1. Clients allocate and claim nameplates, open mailboxes and exchange
//     phase messages through it.
//   - The transit relay, a plain TCP listener. Two clients that present the
//     same relay token from different sides are spliced together.
//
// The HTTP listener also serves Prometheus metrics at /metrics: gauges for
// live connections, nameplates, mailboxes and queued messages, counters for
// spliced transit pairs and bytes, and the close moods clients reported.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Idle nameplates and mailboxes are pruned periodically.
//   - An access log records method, path, remote, status and duration for
//     each HTTP request.
//
// The relay never sees plaintext or keys. Phase bodies are sealed by the
// clients and transit records are encrypted end to end.
package relay
