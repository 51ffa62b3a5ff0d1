package code

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"wormhole/internal/domain"
)

const (
	// MaxNameplateDigits is the longest nameplate we accept.
	MaxNameplateDigits = 6
	// MinWords and MaxWords bound the number of secret words.
	MinWords = 1
	MaxWords = 8
	// DefaultLength is the number of words in a generated code.
	DefaultLength = 2
)

// Code is a parsed wormhole code: a nameplate plus secret words.
type Code struct {
	Nameplate domain.Nameplate
	Words     []string
}

// Parse trims and lower-cases s and checks its structure. It does not
// require the words to come from the word list, so a mistyped word yields a
// well-formed code that later fails key confirmation.
func Parse(s string) (Code, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Code{}, &domain.KeyFormatError{Reason: "code is empty"}
	}
	parts := strings.Split(s, "-")
	nameplate, words := parts[0], parts[1:]

	if err := validateNameplate(nameplate); err != nil {
		return Code{}, err
	}
	if len(words) < MinWords || len(words) > MaxWords {
		return Code{}, &domain.KeyFormatError{
			Reason: fmt.Sprintf("code must have %d to %d words, got %d", MinWords, MaxWords, len(words)),
		}
	}
	for i, w := range words {
		if w == "" {
			return Code{}, &domain.KeyFormatError{Reason: fmt.Sprintf("word %d is empty", i+1)}
		}
		for _, r := range w {
			if r < 'a' || r > 'z' {
				return Code{}, &domain.KeyFormatError{Reason: fmt.Sprintf("word %d has invalid characters", i+1)}
			}
		}
	}
	return Code{Nameplate: domain.Nameplate(nameplate), Words: words}, nil
}

// ValidateNameplate checks a nameplate on its own, as returned by the relay.
func ValidateNameplate(n domain.Nameplate) error { return validateNameplate(string(n)) }

func validateNameplate(n string) error {
	if n == "" {
		return &domain.KeyFormatError{Reason: "missing nameplate"}
	}
	if len(n) > MaxNameplateDigits {
		return &domain.KeyFormatError{Reason: "nameplate is too long"}
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return &domain.KeyFormatError{Reason: "nameplate must be numeric"}
		}
	}
	return nil
}

// String renders the code in its canonical form.
func (c Code) String() string {
	return string(c.Nameplate) + "-" + strings.Join(c.Words, "-")
}

// Password is the secret part of the code fed to the PAKE.
func (c Code) Password() []byte { return []byte(strings.Join(c.Words, "-")) }

// Identity binds a PAKE run to one application and one nameplate.
func Identity(appID domain.AppID, nameplate domain.Nameplate) []byte {
	return []byte(string(appID) + "/" + string(nameplate))
}

// Generate builds a code for nameplate with length words drawn uniformly
// from the word list using rnd (crypto/rand when nil).
func Generate(nameplate domain.Nameplate, length int, rnd io.Reader) (Code, error) {
	if err := ValidateNameplate(nameplate); err != nil {
		return Code{}, err
	}
	if length < MinWords || length > MaxWords {
		return Code{}, &domain.KeyFormatError{
			Reason: fmt.Sprintf("code length must be %d to %d words", MinWords, MaxWords),
		}
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	max := big.NewInt(int64(len(wordList)))
	words := make([]string, length)
	for i := range words {
		n, err := rand.Int(rnd, max)
		if err != nil {
			return Code{}, fmt.Errorf("code: generate: %w", err)
		}
		words[i] = wordList[n.Int64()]
	}
	return Code{Nameplate: nameplate, Words: words}, nil
}

// Words returns a copy of the word list used by Generate.
func Words() []string { return append([]string(nil), wordList...) }
