package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrames(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, []byte("hello")))
	require.NoError(WriteFrame(&buf, nil))
	require.Equal([]byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o', 0, 0, 0, 0}, buf.Bytes())

	b, err := ReadFrame(&buf, 16)
	require.NoError(err)
	require.Equal([]byte("hello"), b)
	b, err = ReadFrame(&buf, 16)
	require.NoError(err)
	require.Empty(b)

	_, err = ReadFrame(&buf, 16)
	require.ErrorIs(err, io.EOF)
}

func TestFrameLimits(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, make([]byte, 32)))
	_, err := ReadFrame(bytes.NewReader(buf.Bytes()), 31)
	require.ErrorIs(err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader(buf.Bytes()[:10]), 64)
	require.ErrorIs(err, io.ErrUnexpectedEOF)
}

func TestFields(t *testing.T) {
	require := require.New(t)

	b := AppendField(nil, []byte("header"))
	b = AppendField(b, []byte("body"))

	f, rest, err := SplitField(b)
	require.NoError(err)
	require.Equal([]byte("header"), f)
	f, rest, err = SplitField(rest)
	require.NoError(err)
	require.Equal([]byte("body"), f)
	require.Empty(rest)

	_, _, err = SplitField([]byte{0, 0})
	require.ErrorIs(err, ErrShortFrame)
	_, _, err = SplitField([]byte{0, 0, 0, 9, 1})
	require.ErrorIs(err, ErrShortFrame)
}

func TestCodec(t *testing.T) {
	require := require.New(t)

	type record struct {
		Name  string
		Bytes []byte
	}
	in := &record{Name: "bob", Bytes: bytes.Repeat([]byte{0xa5}, 1<<20)}
	b, err := Marshal(in)
	require.NoError(err)
	require.Equal(b, MustMarshal(in))

	out := new(record)
	require.NoError(Unmarshal(b, out))
	require.Equal(in, out)

	type other struct {
		Name string
	}
	require.Error(Unmarshal(b, new(other)))
}
