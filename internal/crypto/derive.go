package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key in the protocol.
const KeySize = 32

// DeriveKey derives length bytes from key bound to label (HKDF-SHA256, no
// salt, label as info). The same (key, label) always yields the same output.
func DeriveKey(key []byte, label string, length int) []byte {
	r := hkdf.New(sha256.New, key, nil, []byte(label))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable when length exceeds 255*32 bytes.
		panic("crypto: DeriveKey: " + err.Error())
	}
	return out
}
