package keyexchange

import (
	"crypto/sha256"
	"encoding/hex"

	"wormhole/internal/crypto"
	"wormhole/internal/domain"
)

// PhaseKey derives the key for the single message side sends under phase.
// Including the sender means the two directions never share a key, so the
// fixed zero nonce is never reused.
func PhaseKey(key *domain.SessionKey, side domain.Side, phase domain.Phase) []byte {
	sideHash := sha256.Sum256([]byte(side))
	phaseHash := sha256.Sum256([]byte(phase))
	label := "wormhole:phase:" + hex.EncodeToString(sideHash[:]) + hex.EncodeToString(phaseHash[:])
	return crypto.DeriveKey(key.Slice(), label, crypto.KeySize)
}

func phaseAD(side domain.Side, phase domain.Phase) []byte {
	ad := make([]byte, 0, len(side)+1+len(phase))
	ad = append(ad, side...)
	ad = append(ad, 0)
	return append(ad, phase...)
}

// SealPhase encrypts plaintext as the body side sends under phase.
func SealPhase(key *domain.SessionKey, side domain.Side, phase domain.Phase, plaintext []byte) ([]byte, error) {
	k := PhaseKey(key, side, phase)
	defer crypto.Wipe(k)
	return crypto.Seal(k, crypto.NonceFromCounter(0), plaintext, phaseAD(side, phase))
}

// OpenPhase decrypts a body received from side under phase. Any failure is
// domain.ErrAuthentication.
func OpenPhase(key *domain.SessionKey, side domain.Side, phase domain.Phase, body []byte) ([]byte, error) {
	k := PhaseKey(key, side, phase)
	defer crypto.Wipe(k)
	return crypto.Open(k, crypto.NonceFromCounter(0), body, phaseAD(side, phase))
}

// Verifier derives the value both users can compare out of band.
func Verifier(key *domain.SessionKey) []byte {
	return crypto.DeriveKey(key.Slice(), "wormhole:verifier", 32)
}
