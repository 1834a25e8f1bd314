package envelope

import (
	"fmt"
	"testing"

	"github.com/katzenpost/hpqc/sign"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/wire"
)

type keypair struct {
	sk sign.PrivateKey
	pk sign.PublicKey
}

func newKeypair(t *testing.T) keypair {
	sk, pk, err := keys.Generate()
	require.NoError(t, err)
	return keypair{sk, pk}
}

func TestRoundTrip(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("recipients=%d", n), func(t *testing.T) {
			require := require.New(t)

			sender, relay := newKeypair(t), newKeypair(t)
			var recipients []keypair
			var to []sign.PublicKey
			for i := 0; i < n; i++ {
				r := newKeypair(t)
				recipients = append(recipients, r)
				to = append(to, r.pk)
			}
			storageKey := UniqueStorageKey()

			b, err := Encode(sender.sk, relay.pk, to, storageKey, []byte("hello"))
			require.NoError(err)

			e, err := Decode(relay.sk, sender.pk, b)
			require.NoError(err)
			require.Equal(storageKey, e.StorageKey)
			require.Len(e.Recipients, n)

			for _, r := range recipients {
				delivered, err := e.RekeyFor(relay.sk, r.pk)
				require.NoError(err)

				// The final recipient sees a header signed by the relay.
				_, err = Decode(r.sk, sender.pk, delivered)
				require.ErrorIs(err, ErrInvalidSignature)

				re, err := Decode(r.sk, relay.pk, delivered)
				require.NoError(err)
				require.Len(re.Recipients, 1)
				require.Equal(storageKey, re.StorageKey)
				require.Equal(e.Message, re.Message)

				m, err := re.Open(r.sk)
				require.NoError(err)
				require.Equal([]byte("hello"), m.Body)
				require.True(sender.pk.Equal(m.From))
			}
		})
	}
}

func TestNoStorageKey(t *testing.T) {
	require := require.New(t)

	sender, relay, r := newKeypair(t), newKeypair(t), newKeypair(t)
	b, err := Encode(sender.sk, relay.pk, []sign.PublicKey{r.pk}, nil, []byte("ephemeral"))
	require.NoError(err)

	e, err := Decode(relay.sk, sender.pk, b)
	require.NoError(err)
	require.Nil(e.StorageKey)
}

func TestDecodeFailures(t *testing.T) {
	require := require.New(t)

	sender, relay, r, stranger := newKeypair(t), newKeypair(t), newKeypair(t), newKeypair(t)
	b, err := Encode(sender.sk, relay.pk, []sign.PublicKey{r.pk}, nil, []byte("x"))
	require.NoError(err)

	_, err = Decode(relay.sk, stranger.pk, b)
	require.ErrorIs(err, ErrInvalidSignature)
	require.ErrorIs(err, ErrDecode)

	_, err = Decode(relay.sk, sender.pk, b[:len(b)-1])
	require.ErrorIs(err, ErrMalformed)

	_, err = Decode(relay.sk, sender.pk, append(append([]byte{}, b...), 0))
	require.ErrorIs(err, ErrMalformed)

	_, err = Decode(relay.sk, sender.pk, []byte{0xff, 0xff, 0xff, 0xff})
	require.ErrorIs(err, ErrMalformed)

	// Header encrypted to someone else.
	_, err = Decode(stranger.sk, sender.pk, b)
	require.ErrorIs(err, ErrMalformed)

	e, err := Decode(relay.sk, sender.pk, b)
	require.NoError(err)
	_, err = e.RekeyFor(relay.sk, stranger.pk)
	require.ErrorIs(err, ErrRecipientMismatch)

	_, err = Encode(sender.sk, relay.pk, nil, nil, []byte("x"))
	require.ErrorIs(err, ErrNoRecipients)
}

func TestAlgorithmTag(t *testing.T) {
	require := require.New(t)

	sender, relay, r := newKeypair(t), newKeypair(t), newKeypair(t)
	b, err := Encode(sender.sk, relay.pk, []sign.PublicKey{r.pk}, nil, []byte("x"))
	require.NoError(err)

	rawHdr, rest, err := wire.SplitField(b)
	require.NoError(err)
	var hdr seal.SignedBytes
	require.NoError(wire.Unmarshal(rawHdr, &hdr))
	hdr.Signature.Algorithm = "Unknown-Scheme"

	mutated := wire.AppendField(nil, wire.MustMarshal(&hdr))
	mutated = append(mutated, rest...)
	_, err = Decode(relay.sk, sender.pk, mutated)
	require.ErrorIs(err, ErrUnknownAlgorithm)
}

func TestTamperedBody(t *testing.T) {
	require := require.New(t)

	sender, relay, r := newKeypair(t), newKeypair(t), newKeypair(t)
	b, err := Encode(sender.sk, relay.pk, []sign.PublicKey{r.pk}, nil, []byte("x"))
	require.NoError(err)

	e, err := Decode(relay.sk, sender.pk, b)
	require.NoError(err)
	e.Message.Signature.Bytes[0] ^= 0x01

	delivered, err := e.RekeyFor(relay.sk, r.pk)
	require.NoError(err)
	re, err := Decode(r.sk, relay.pk, delivered)
	require.NoError(err)
	_, err = re.Open(r.sk)
	require.ErrorIs(err, ErrInvalidSignature)
}
