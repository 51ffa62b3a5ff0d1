package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"wormhole/internal/domain"
)

const (
	// NonceSize is the AEAD nonce size.
	NonceSize = chacha20poly1305.NonceSize

	// Overhead is the authentication tag size added by Seal.
	Overhead = chacha20poly1305.Overhead
)

// NonceFromCounter returns the nonce for message number n of a direction.
func NonceFromCounter(n uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], n)
	return nonce
}

// Seal encrypts and authenticates plaintext and authenticates ad.
func Seal(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("crypto: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext. Any failure, including a bad
// key or nonce length, is reported as domain.ErrAuthentication.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil || len(nonce) != NonceSize {
		return nil, domain.ErrAuthentication
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	return pt, nil
}
