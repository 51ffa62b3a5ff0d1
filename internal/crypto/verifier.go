package crypto

import (
	"encoding/hex"
	"strings"
)

// FormatVerifier renders a verifier as space-separated groups of four hex
// digits, e.g. "1f3a 99c0 ...", for reading aloud.
func FormatVerifier(v []byte) string {
	h := hex.EncodeToString(v)
	var b strings.Builder
	for i := 0; i < len(h); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(h))
		b.WriteString(h[i:end])
	}
	return b.String()
}
