package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlMessage(t *testing.T) {
	require := require.New(t)

	b := Marshal(&ControlMessage{Type: ControlNoPendingMessages})
	var m ControlMessage
	require.NoError(Unmarshal(b, &m))
	require.Equal(ControlNoPendingMessages, m.Type)
	require.Equal("NO_PENDING_MESSAGES", m.Type.String())
}

func TestUnmarshalRejects(t *testing.T) {
	require := require.New(t)

	var m ChallengeMessage
	require.ErrorIs(Unmarshal([]byte{0xff, 0x00}, &m), ErrInvalidCommand)

	// A message of another type does not decode as a challenge.
	b := Marshal(&IdentityMessage{PublicKey: []byte{1, 2, 3}})
	require.ErrorIs(Unmarshal(b, &m), ErrInvalidCommand)
}

func TestStatusStrings(t *testing.T) {
	require := require.New(t)
	require.Equal("NOT_AUTHORIZED", StatusNotAuthorized.String())
	require.Equal("FAILED_CHALLENGE", StatusFailedChallenge.String())
	require.Contains(AuthenticationStatus(99).String(), "Unknown")
}

func TestChallengeBytes(t *testing.T) {
	require := require.New(t)

	ch := []byte("challenge")
	b := ChallengeBytes(ch)
	require.True(len(b) > len(ch))
	require.Equal(ch, b[len(b)-len(ch):])
	require.NotEqual(ChallengeBytes([]byte("a")), ChallengeBytes([]byte("b")))
}
