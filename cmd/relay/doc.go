// Command relay runs the development relay: the rendezvous server over
// WebSocket at /v1, the transit relay over TCP, and Prometheus metrics at
// /metrics.
//
//	relay [-f relay.toml] [--rendezvous :4000] [--transit :4001]
//
// All state is held in memory and lost on exit. See package
// wormhole/internal/relay for the configuration keys.
package main
