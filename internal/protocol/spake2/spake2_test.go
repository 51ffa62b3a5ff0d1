package spake2_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"wormhole/internal/protocol/spake2"
)

func exchange(t *testing.T, pwA, pwB, idA, idB string) ([]byte, []byte) {
	t.Helper()
	a, msgA, err := spake2.New([]byte(pwA), []byte(idA))
	require.NoError(t, err)
	b, msgB, err := spake2.New([]byte(pwB), []byte(idB))
	require.NoError(t, err)
	require.Len(t, msgA, spake2.ElementSize)

	keyA, err := a.Finish(msgB)
	require.NoError(t, err)
	keyB, err := b.Finish(msgA)
	require.NoError(t, err)
	require.Len(t, keyA, spake2.KeySize)
	return keyA, keyB
}

func TestSymmetric_SamePasswordAgrees(t *testing.T) {
	keyA, keyB := exchange(t, "purple-sausage", "purple-sausage", "appid/4", "appid/4")
	require.Equal(t, keyA, keyB)
}

func TestSymmetric_DifferentPasswordDisagrees(t *testing.T) {
	keyA, keyB := exchange(t, "purple-sausage", "purple-sausages", "appid/4", "appid/4")
	require.NotEqual(t, keyA, keyB)
}

func TestSymmetric_IdentityBindsKey(t *testing.T) {
	keyA, keyB := exchange(t, "purple-sausage", "purple-sausage", "appid/4", "other-app/4")
	require.NotEqual(t, keyA, keyB)
}

func TestFreshEphemeralPerRun(t *testing.T) {
	k1, _ := exchange(t, "pw", "pw", "id", "id")
	k2, _ := exchange(t, "pw", "pw", "id", "id")
	require.NotEqual(t, k1, k2)

	_, m1, err := spake2.New([]byte("pw"), []byte("id"))
	require.NoError(t, err)
	_, m2, err := spake2.New([]byte("pw"), []byte("id"))
	require.NoError(t, err)
	require.False(t, bytes.Equal(m1, m2))
}

func TestFinish_RejectsBadElements(t *testing.T) {
	st, msg, err := spake2.New([]byte("pw"), []byte("id"))
	require.NoError(t, err)

	// Wrong length.
	_, err = st.Finish(msg[:31])
	require.ErrorIs(t, err, spake2.ErrInvalidElement)

	// Reflection of our own message.
	_, err = st.Finish(msg)
	require.ErrorIs(t, err, spake2.ErrInvalidElement)

	// The identity element (y = 1) is of small order.
	identity := make([]byte, 32)
	identity[0] = 1
	_, err = st.Finish(identity)
	require.ErrorIs(t, err, spake2.ErrInvalidElement)

	// Not a point at all: y = 2 is not on the curve.
	notOnCurve := make([]byte, 32)
	notOnCurve[0] = 2
	_, err = st.Finish(notOnCurve)
	require.ErrorIs(t, err, spake2.ErrInvalidElement)
}

func TestFinish_Twice(t *testing.T) {
	a, msgA, err := spake2.New([]byte("pw"), []byte("id"))
	require.NoError(t, err)
	b, msgB, err := spake2.New([]byte("pw"), []byte("id"))
	require.NoError(t, err)

	_, err = a.Finish(msgB)
	require.NoError(t, err)
	_, err = a.Finish(msgB)
	require.ErrorIs(t, err, spake2.ErrFinished)

	_, err = b.Finish(msgA)
	require.NoError(t, err)
	require.Equal(t, msgA, a.Message())
}
