// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/katzenpost/relay/core/wire"
)

const (
	// Time allowed to write a control message to the peer.
	wsWriteWait = 10 * time.Second

	// Default interval between pings.
	wsDefaultPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Relay clients are not browsers bound by same origin rules.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsSession struct {
	conn       *websocket.Conn
	pingPeriod time.Duration
	closed     atomic.Bool
	closeOnce  sync.Once
	haltCh     chan struct{}
}

// Upgrade upgrades an HTTP request to a WebSocket Session.  Each frame is
// carried in one binary WebSocket message.
func Upgrade(w http.ResponseWriter, r *http.Request, opts *Options) (Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSSession(conn, opts), nil
}

// DialWebSocket connects to a relay WebSocket endpoint.
func DialWebSocket(ctx context.Context, rawURL string, opts *Options) (Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return newWSSession(conn, opts), nil
}

func newWSSession(conn *websocket.Conn, opts *Options) *wsSession {
	maxFrame := opts.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	pingPeriod := opts.KeepAlive
	if pingPeriod <= 0 {
		pingPeriod = wsDefaultPingPeriod
	}
	s := &wsSession{
		conn:       conn,
		pingPeriod: pingPeriod,
		haltCh:     make(chan struct{}),
	}
	conn.SetReadLimit(int64(maxFrame))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * pingPeriod))
	})
	go s.pinger()
	return s
}

func (s *wsSession) pinger() {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.haltCh:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsSession) IsReady() bool {
	return !s.closed.Load()
}

func (s *wsSession) ReadFrame() ([]byte, error) {
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		mt, b, err := s.conn.ReadMessage()
		if err != nil {
			s.closed.Store(true)
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (s *wsSession) WriteFrame(b []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.conn.WriteMessage(websocket.BinaryMessage, b)
	if err != nil {
		s.closed.Store(true)
	}
	return err
}

func (s *wsSession) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *wsSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.haltCh)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		err = s.conn.Close()
	})
	return err
}
