// listener.go - Katzenpost relay stream listener.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package incoming implements the incoming session support.
package incoming

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/core/worker"
	"github.com/katzenpost/relay/server/internal/glue"
)

const defaultKeepAlive = 3 * time.Minute

type listener struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l net.Listener
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.  The sessions it
	// accepted belong to glue.Sessions and are closed there.
	l.l.Close()
	l.Worker.Halt()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warningf("Accept failure: %v", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(l.keepAlive())
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		maxFrame := l.glue.Config().Debug.MaxFrameSize
		l.glue.Sessions().OnSession(transport.NewStreamSession(conn, maxFrame))
	}

	// NOTREACHED
}

func (l *listener) keepAlive() time.Duration {
	if ms := l.glue.Config().Debug.KeepAliveInterval; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultKeepAlive
}

// Addr returns the address the listener is bound to.
func (l *listener) Addr() net.Addr {
	return l.l.Addr()
}

// New creates a new listener for the stream address addr, a tcp, tcp4,
// tcp6 or quic URL.
func New(glue glue.Glue, id int, addr string) (glue.Listener, error) {
	l := &listener{
		glue: glue,
		log:  glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
	}

	// parse the Address line as a URL
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case transport.SchemeTCP, transport.SchemeTCP4, transport.SchemeTCP6:
		l.l, err = net.Listen(u.Scheme, u.Host)
	case transport.SchemeQUIC:
		l.l, err = transport.ListenQUIC(u.Host, l.keepAlive())
	default:
		err = fmt.Errorf("unsupported listener scheme '%v'", u.Scheme)
	}
	if err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
