package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsUnreachable(t *testing.T) {
	require := require.New(t)

	refused := &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/forward/x",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
	}
	require.True(isUnreachable(refused))
	require.True(isUnreachable(&url.Error{Op: "Post", URL: "http://peer", Err: timeoutError{}}))

	require.False(isUnreachable(errors.New("router: peer http://peer: 400 Bad Request")))
	require.False(isUnreachable(fmt.Errorf("wrapped: %w", context.Canceled)))
}
