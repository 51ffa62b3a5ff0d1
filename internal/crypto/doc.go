// Package crypto exposes the minimal primitives used by wormhole.
//
// Contents
//
//   - Sub-key derivation from the session key with a domain-separation label
//     (DeriveKey, HKDF-SHA256)
//   - Authenticated encryption with associated data (Seal, Open,
//     ChaCha20-Poly1305) and counter nonces (NonceFromCounter)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//   - Verification strings for out-of-band comparison (FormatVerifier)
//
// The PAKE itself lives in internal/protocol/spake2.
//
// # Notes
//
// Nonce uniqueness per key is the caller's job. Every caller in this module
// either uses a key for exactly one message or keeps a monotonic per-direction
// counter. Open fails closed: any tampering with the ciphertext, tag, nonce or
// associated data yields domain.ErrAuthentication and no plaintext.
package crypto
