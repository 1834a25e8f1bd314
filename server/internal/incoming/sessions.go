// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/core/worker"
	"github.com/katzenpost/relay/server/internal/glue"
)

// Sessions runs the authentication state machine and the read loop of
// every client session, whichever transport accepted it.
type Sessions struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	conns  *list.List
	halted bool
}

// OnSession takes ownership of s, serving it on a new go routine.
func (m *Sessions) OnSession(s transport.Session) {
	c := newIncomingConn(m, s)

	m.Lock()
	if m.halted {
		m.Unlock()
		s.Close()
		return
	}
	c.e = m.conns.PushFront(c)
	m.Go(c.worker)
	m.Unlock()
}

func (m *Sessions) onClosedConn(c *incomingConn) {
	m.Lock()
	defer m.Unlock()
	m.conns.Remove(c.e)
}

// Len returns the number of open sessions, authenticated or not.
func (m *Sessions) Len() int {
	m.Lock()
	defer m.Unlock()
	return m.conns.Len()
}

// Halt closes every session, including those still mid handshake, and
// waits for their go routines to return.
func (m *Sessions) Halt() {
	m.Lock()
	m.halted = true
	for e := m.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*incomingConn).Close()
	}
	m.Unlock()

	m.Worker.Halt()
}

// NewSessions returns the session manager.
func NewSessions(glue glue.Glue) *Sessions {
	return &Sessions{
		glue:  glue,
		log:   glue.LogBackend().GetLogger("sessions"),
		conns: list.New(),
	}
}
