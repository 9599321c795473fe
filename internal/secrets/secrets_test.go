package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAndVerifyPassphrase(t *testing.T) {
	salt, hash, err := SetPassphrase("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, salt)
	require.NotEmpty(t, hash)

	require.True(t, VerifyPassphrase("correct horse battery staple", salt, hash))
	require.False(t, VerifyPassphrase("wrong passphrase", salt, hash))
}

func TestVerifyPassphraseRejectsEmptyStoredValues(t *testing.T) {
	require.False(t, VerifyPassphrase("anything", "", ""))
}

func TestContentHashIsStableAndDistinguishesContent(t *testing.T) {
	a, err := ContentHash([]byte("hello"))
	require.NoError(t, err)
	b, err := ContentHash([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := ContentHash([]byte("goodbye"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestFilenameDigestIsDeterministicAndOrderSensitive(t *testing.T) {
	require.Equal(t, FilenameDigest("1.0.0"), FilenameDigest("1.0.0"))
	require.NotEqual(t, FilenameDigest("1.0.0", "1.1.0"), FilenameDigest("1.1.0", "1.0.0"))
}
