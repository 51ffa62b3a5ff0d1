// Package record implements the encrypted record layer spoken over a transit
// connection once a winner has been chosen.
//
// Every record on the wire is a 4-byte big-endian length followed by a
// ChaCha20-Poly1305 ciphertext of a CBOR-encoded Frame. The nonce is the
// per-direction record counter, so records cannot be reordered, replayed or
// dropped without the reader noticing. A Close frame marks the end of a
// direction.
package record
