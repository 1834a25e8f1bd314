package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relay/core/identity"
)

func execute(args ...string) (string, error) {
	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestKeyCommands(t *testing.T) {
	require := require.New(t)
	prefix := filepath.Join(t.TempDir(), "alice")

	generated, err := execute("genkey", "-o", prefix)
	require.NoError(err)
	_, err = identity.Parse(generated)
	require.NoError(err)

	printed, err := execute("identity", prefix+".public.pem")
	require.NoError(err)
	require.Equal(generated, printed)

	_, err = execute("genkey", "-o", prefix)
	require.ErrorContains(err, "refusing to overwrite")
}

func TestAdminCommand(t *testing.T) {
	require := require.New(t)

	_, err := execute("admin", "-s", filepath.Join(t.TempDir(), "sock"), "NO_SUCH_COMMAND")
	require.ErrorContains(err, "admin: unknown command")
	require.True(isUsageError(err))

	_, err = execute("admin", "-s", filepath.Join(t.TempDir(), "sock"), "LIST_POLICIES")
	require.ErrorContains(err, "failed to connect to the management interface")
	require.False(isUsageError(err))
}
