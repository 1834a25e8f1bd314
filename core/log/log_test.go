package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	lvl, err := ParseLevel("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "relay.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Info("first record")
	l.Debug("filtered record")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	l.Notice("second record")

	_, err = b.GetLogWriter("writer", "WARNING").Write([]byte("from writer\n"))
	require.NoError(err)
	require.NoError(b.Close())

	old, err := os.ReadFile(f + ".1")
	require.NoError(err)
	require.Contains(string(old), "test: first record")
	require.NotContains(string(old), "filtered record")

	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "test: second record")
	require.Contains(string(cur), "WARN writer: from writer")
}

func TestBackendDisabled(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	b.GetLogger("quiet").Error("discarded")
	require.NoError(t, b.Close())
}
