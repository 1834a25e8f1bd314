package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestLoadOrGenerate(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	privFile := filepath.Join(dir, "identity.private.pem")
	pubFile := filepath.Join(dir, "identity.public.pem")

	_, pk, err := LoadOrGenerate(privFile, pubFile)
	require.NoError(err)

	sk2, pk2, err := LoadOrGenerate(privFile, pubFile)
	require.NoError(err)
	require.True(pk.Equal(pk2))
	require.True(pk.Equal(sk2.Public()))

	loaded, err := LoadPublicKeyFile(pubFile)
	require.NoError(err)
	require.True(pk.Equal(loaded))

	require.NoError(os.Remove(pubFile))
	_, _, err = LoadOrGenerate(privFile, pubFile)
	require.Error(err)
}

func TestPublicKeyString(t *testing.T) {
	require := require.New(t)

	_, pk, err := Generate()
	require.NoError(err)

	s := PublicKeyString(pk)
	pk2, err := ParsePublicKeyString(s)
	require.NoError(err)
	require.True(pk.Equal(pk2))

	_, err = UnmarshalPublicKey([]byte("short"))
	require.Error(err)
	require.NotNil(SchemeByName("ed25519"))
	require.Nil(SchemeByName("rot13"))
}

func TestX25519Conversion(t *testing.T) {
	require := require.New(t)

	sk, pk, err := Generate()
	require.NoError(err)

	xPub, err := X25519PublicKey(pk)
	require.NoError(err)
	xPriv, err := X25519PrivateKey(sk)
	require.NoError(err)

	derived, err := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	require.NoError(err)
	require.Equal(xPub[:], derived)
}
