// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/katzenpost/relay/core/wire"
)

type streamSession struct {
	conn     net.Conn
	r        *bufio.Reader
	maxFrame int
	closed   atomic.Bool
}

// NewStreamSession returns a Session framing a byte stream with 4 byte
// length prefixes.
func NewStreamSession(conn net.Conn, maxFrame int) Session {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	return &streamSession{
		conn:     conn,
		r:        bufio.NewReader(conn),
		maxFrame: maxFrame,
	}
}

func (s *streamSession) IsReady() bool {
	return !s.closed.Load()
}

func (s *streamSession) ReadFrame() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	b, err := wire.ReadFrame(s.r, s.maxFrame)
	if err != nil {
		s.closed.Store(true)
	}
	return b, err
}

func (s *streamSession) WriteFrame(b []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := wire.WriteFrame(s.conn, b)
	if err != nil {
		s.closed.Store(true)
	}
	return err
}

func (s *streamSession) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

func (s *streamSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *streamSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
