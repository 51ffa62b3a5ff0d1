// Package spake2 implements the symmetric variant of SPAKE2 used to turn the
// low-entropy wormhole code into a strong shared key.
//
// # Overview
//
// Both sides know the same password and the same identity string (the
// application id and nameplate, which binds the exchange to one mailbox and
// one application). Each side picks a random scalar x and sends
//
//	X = x·G + w·S
//
// where G is the edwards25519 base point, w is the password hashed to a
// scalar, and S is a fixed point with unknown discrete logarithm. On receipt
// of the peer's Y each side computes
//
//	K = 8·x·(Y − w·S)
//
// and the session key
//
//	SHA-256( SHA-256(password) ‖ SHA-256(identity) ‖ min(X,Y) ‖ max(X,Y) ‖ K )
//
// # Security notes
//
// An active attacker who does not know the password learns nothing that
// lets it test more than one password guess per protocol run; a passive
// observer learns nothing at all. Whether the guess was right is only ever
// revealed by a later key-confirmation step, which is not part of this
// package. Peer elements of small order and reflections of our own message
// are rejected with ErrInvalidElement.
package spake2
