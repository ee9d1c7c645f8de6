package handshake

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionKeysAgree(t *testing.T) {
	t.Parallel()

	client, err := GenerateKeypair()
	require.NoError(t, err)
	server, err := GenerateKeypair()
	require.NoError(t, err)

	clientNonce := NewNonce()
	serverNonce := NewNonce()

	clientShared, err := DeriveShared(client, server.Public[:])
	require.NoError(t, err)
	serverShared, err := DeriveShared(server, client.Public[:])
	require.NoError(t, err)
	require.Equal(t, clientShared, serverShared)

	c2sA, s2cA := SessionKeys(clientShared, clientNonce, serverNonce)
	c2sB, s2cB := SessionKeys(serverShared, clientNonce, serverNonce)
	require.Equal(t, c2sA, c2sB)
	require.Equal(t, s2cA, s2cB)
	require.NotEqual(t, c2sA, s2cA, "directional keys must differ")
	require.Len(t, c2sA, KeySize)
}

func TestDeriveSharedRejectsBadKey(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeypair()
	require.NoError(t, err)

	_, err = DeriveShared(kp, []byte("too short"))
	require.ErrorIs(t, err, ErrBadPublicKey)
}

func TestKeypairsAreUnique(t *testing.T) {
	t.Parallel()

	a, err := GenerateKeypair()
	require.NoError(t, err)
	b, err := GenerateKeypair()
	require.NoError(t, err)
	require.NotEqual(t, a.Public, b.Public)
}
