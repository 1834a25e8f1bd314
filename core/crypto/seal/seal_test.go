package seal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relay/core/crypto/keys"
)

func TestSignVerify(t *testing.T) {
	require := require.New(t)

	sk, pk, err := keys.Generate()
	require.NoError(err)
	_, otherPk, err := keys.Generate()
	require.NoError(err)

	sb := Sign(sk, []byte("challenge"))
	require.Equal(keys.DefaultAlgorithm, sb.Signature.Algorithm)
	require.NoError(sb.Verify(pk))
	require.ErrorIs(sb.Verify(otherPk), ErrInvalidSignature)

	tampered := *sb
	tampered.Bytes = []byte("challengf")
	require.ErrorIs(tampered.Verify(pk), ErrInvalidSignature)

	badSig := *sb
	badSig.Signature.Bytes = append([]byte{}, sb.Signature.Bytes...)
	badSig.Signature.Bytes[0] ^= 0x01
	require.ErrorIs(badSig.Verify(pk), ErrInvalidSignature)

	unknown := *sb
	unknown.Signature.Algorithm = "RSA-512"
	require.ErrorIs(unknown.Verify(pk), ErrUnknownAlgorithm)

	other := *sb
	other.Signature.Algorithm = "Ed448"
	require.ErrorIs(other.Verify(pk), ErrAlgorithmMismatch)
}

func TestSealOpen(t *testing.T) {
	require := require.New(t)

	sk, pk, err := keys.Generate()
	require.NoError(err)
	otherSk, _, err := keys.Generate()
	require.NoError(err)

	eb, err := Seal(pk, []byte("attack at dawn"))
	require.NoError(err)
	require.Equal(TransformationBox, eb.Transformation)

	pt, err := eb.Open(sk)
	require.NoError(err)
	require.Equal([]byte("attack at dawn"), pt)

	_, err = eb.Open(otherSk)
	require.ErrorIs(err, ErrDecrypt)

	_, err = eb.OpenSymmetric(make([]byte, SymmetricKeySize))
	require.ErrorIs(err, ErrTransformation)
}

func TestSymmetric(t *testing.T) {
	require := require.New(t)

	key, err := NewSymmetricKey()
	require.NoError(err)
	otherKey, err := NewSymmetricKey()
	require.NoError(err)

	eb, err := SealSymmetric(key, []byte("body"))
	require.NoError(err)
	require.Len(eb.Parameters, 24)

	pt, err := eb.OpenSymmetric(key)
	require.NoError(err)
	require.Equal([]byte("body"), pt)

	_, err = eb.OpenSymmetric(otherKey)
	require.ErrorIs(err, ErrDecrypt)

	eb.Bytes[0] ^= 0xff
	_, err = eb.OpenSymmetric(key)
	require.ErrorIs(err, ErrDecrypt)
}
