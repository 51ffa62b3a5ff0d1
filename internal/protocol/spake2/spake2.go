package spake2

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// ElementSize is the size of an encoded protocol message.
	ElementSize = 32

	// KeySize is the size of the derived shared key.
	KeySize = sha256.Size

	seedS = "wormhole/spake2/symmetric/S"
)

var (
	// ErrInvalidElement is returned for peer messages that are malformed,
	// of small order, or a reflection of our own message.
	ErrInvalidElement = errors.New("spake2: invalid peer element")

	// ErrFinished is returned when Finish is called twice.
	ErrFinished = errors.New("spake2: exchange already finished")

	pointS = mustHashToPoint(seedS)
)

// State holds one side's ephemeral secret between New and Finish.
type State struct {
	pwHash   [sha512.Size]byte
	identity []byte

	w   *edwards25519.Scalar
	x   *edwards25519.Scalar
	msg []byte

	finished bool
}

// New starts an exchange and returns the state plus the message to send.
func New(password, identity []byte) (*State, []byte, error) {
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, nil, err
	}
	x, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return nil, nil, err
	}
	return newWithScalar(password, identity, x)
}

func newWithScalar(password, identity []byte, x *edwards25519.Scalar) (*State, []byte, error) {
	st := &State{
		pwHash:   sha512.Sum512(password),
		identity: append([]byte(nil), identity...),
		x:        x,
	}
	w, err := edwards25519.NewScalar().SetUniformBytes(st.pwHash[:])
	if err != nil {
		return nil, nil, err
	}
	st.w = w

	// X = x·G + w·S
	X := new(edwards25519.Point).ScalarBaseMult(x)
	X.Add(X, new(edwards25519.Point).ScalarMult(w, pointS))
	st.msg = X.Bytes()
	return st, append([]byte(nil), st.msg...), nil
}

// Message returns a copy of the message produced by New.
func (s *State) Message() []byte { return append([]byte(nil), s.msg...) }

// Finish consumes the peer's message and returns the shared key. The key is
// only equal on both sides if both used the same password and identity.
func (s *State) Finish(peerMsg []byte) ([]byte, error) {
	if s.finished {
		return nil, ErrFinished
	}
	if len(peerMsg) != ElementSize || bytes.Equal(peerMsg, s.msg) {
		return nil, ErrInvalidElement
	}
	Y, err := new(edwards25519.Point).SetBytes(peerMsg)
	if err != nil {
		return nil, ErrInvalidElement
	}
	identity := edwards25519.NewIdentityPoint()
	if new(edwards25519.Point).MultByCofactor(Y).Equal(identity) == 1 {
		return nil, ErrInvalidElement
	}

	// K = 8·x·(Y − w·S)
	K := new(edwards25519.Point).Subtract(Y, new(edwards25519.Point).ScalarMult(s.w, pointS))
	K.ScalarMult(s.x, K)
	K.MultByCofactor(K)
	if K.Equal(identity) == 1 {
		return nil, ErrInvalidElement
	}
	s.finished = true

	first, second := s.msg, peerMsg
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}
	pwDigest := sha256.Sum256(s.pwHash[:])
	idDigest := sha256.Sum256(s.identity)

	h := sha256.New()
	h.Write(pwDigest[:])
	h.Write(idDigest[:])
	h.Write(first)
	h.Write(second)
	h.Write(K.Bytes())
	return h.Sum(nil), nil
}

// mustHashToPoint maps seed to a prime-order point by hash-and-increment:
// hash seed with a counter until the digest decodes as a curve point, then
// clear the cofactor. Nobody knows the discrete log of the result.
func mustHashToPoint(seed string) *edwards25519.Point {
	identity := edwards25519.NewIdentityPoint()
	for i := 0; i < 256; i++ {
		h := sha256.Sum256(append([]byte(seed), byte(i)))
		p, err := new(edwards25519.Point).SetBytes(h[:])
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if p.Equal(identity) == 1 {
			continue
		}
		return p
	}
	panic(fmt.Sprintf("spake2: no point found for seed %q", seed))
}
