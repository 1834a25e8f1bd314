package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echo(t *testing.T, s Session) {
	for {
		b, err := s.ReadFrame()
		if err != nil {
			return
		}
		if err = s.WriteFrame(b); err != nil {
			return
		}
	}
}

func exercise(t *testing.T, s Session) {
	require := require.New(t)

	require.True(s.IsReady())
	for _, msg := range []string{"one", "", "three"} {
		require.NoError(s.WriteFrame([]byte(msg)))
		b, err := s.ReadFrame()
		require.NoError(err)
		require.Equal(msg, string(b))
	}
	require.NoError(s.Close())
	require.False(s.IsReady())
	require.ErrorIs(s.WriteFrame([]byte("late")), ErrClosed)
}

func TestTCPSession(t *testing.T) {
	require := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		echo(t, NewStreamSession(conn, 1024))
	}()

	s, err := Dial(context.Background(), "tcp://"+l.Addr().String(), &Options{MaxFrameSize: 1024})
	require.NoError(err)
	exercise(t, s)
}

func TestQUICSession(t *testing.T) {
	require := require.New(t)

	l, err := ListenQUIC("127.0.0.1:0", time.Second)
	require.NoError(err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s := NewStreamSession(conn, 1024)
		// The listener opens the stream, and it only becomes visible to the
		// dialer once data is written.
		if err := s.WriteFrame([]byte("hello")); err != nil {
			return
		}
		echo(t, s)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Dial(ctx, "quic://"+l.Addr().String(), &Options{MaxFrameSize: 1024})
	require.NoError(err)
	b, err := s.ReadFrame()
	require.NoError(err)
	require.Equal("hello", string(b))
	exercise(t, s)
}

func TestWebSocketSession(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, &Options{MaxFrameSize: 1024})
		if err != nil {
			return
		}
		echo(t, s)
	}))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	s, err := Dial(context.Background(), u, &Options{MaxFrameSize: 1024})
	require.NoError(err)
	exercise(t, s)
}

func TestDialUnsupported(t *testing.T) {
	_, err := Dial(context.Background(), "carrier-pigeon://coop", &Options{})
	require.Error(t, err)
}
