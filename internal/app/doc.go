// Package app wires application dependencies for the CLI.
//
// Config is loaded from TOML and flags, Wire builds the logging backend,
// timing and dialers from it, and App runs the text and file transfers:
// the sender offers, the receiver answers, and files then move over a
// transit connection followed by a receipt carrying the SHA-256 of what
// arrived.
package app
