// thwack.go - Trivial text based management protocol.
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

// Package thwack provides a line oriented management protocol modeled on
// SMTP.  The server greets every connection with a 220 reply; each command
// is a verb and an optional argument on one line, and each reply ends with
// a "<code> <reason>" line, optionally preceded by "<code>-<data>" lines.
package thwack

import (
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/worker"
)

const cmdQuit = "QUIT"

var (
	errQuit          = errors.New("thwack: peer requested disconnection")
	errNoLoggerFn    = errors.New("thwack: no NewLoggerFn")
	errDataLineBreak = errors.New("thwack: reply data contains a line break")
)

// StatusCode is a reply code.
type StatusCode int

const (
	// StatusServiceReady greets a new connection.
	StatusServiceReady StatusCode = 220

	// StatusOk reports that a command completed.
	StatusOk StatusCode = 250

	// StatusUnknownCommand reports an unregistered verb.
	StatusUnknownCommand StatusCode = 500

	// StatusSyntaxError reports invalid command arguments.
	StatusSyntaxError StatusCode = 501

	// StatusTransactionFailed reports that a command failed.
	StatusTransactionFailed StatusCode = 554
)

// String returns the human readable reason sent with the code, or the
// empty string for an unknown code.
func (s StatusCode) String() string {
	switch s {
	case StatusServiceReady:
		return "Service ready"
	case StatusOk:
		return "Requested action ok, completed"
	case StatusUnknownCommand:
		return "Syntax error, command unrecognised"
	case StatusSyntaxError:
		return "Syntax error in parameters or arguments"
	case StatusTransactionFailed:
		return "Transaction failed"
	default:
		return ""
	}
}

// HandlerFunc handles one command, args being the trimmed text after the
// verb.  A handler sends its own reply, and returns an error only when the
// connection must be closed.
type HandlerFunc func(c *Conn, args string) error

// Config is a Server configuration.
type Config struct {
	// Net and Addr are the listener's network and address.  A stale unix
	// socket at Addr is removed.
	Net, Addr string

	// ServiceName prefixes the greeting.
	ServiceName string

	// LogModule names the server's logger; connection loggers are named
	// after it.
	LogModule string

	// NewLoggerFn returns the logger for a module.
	NewLoggerFn func(string) *logging.Logger
}

// Server is a management interface server.
type Server struct {
	worker.Worker

	cfg      *Config
	log      *logging.Logger
	l        net.Listener
	handlers map[string]HandlerFunc
	connID   atomic.Uint64
}

// RegisterCommand sets the handler of verb, which is case insensitive.  It
// must not be called after Start.
func (s *Server) RegisterCommand(verb string, fn HandlerFunc) {
	s.handlers[strings.ToUpper(verb)] = fn
}

// Start binds the listener and accepts connections until Halt.
func (s *Server) Start() error {
	if s.cfg.Net == "unix" {
		os.Remove(s.cfg.Addr)
	}
	l, err := net.Listen(s.cfg.Net, s.cfg.Addr)
	if err != nil {
		return err
	}
	s.l = l
	s.log.Debugf("Listening on: %v", s.cfg.Addr)
	s.Go(s.acceptWorker)
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.l.Addr()
}

// Halt closes the listener and every connection, and waits for their
// handlers to return.
func (s *Server) Halt() {
	if s.l != nil {
		s.l.Close()
	}
	s.Worker.Halt()
}

func (s *Server) acceptWorker() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if e, ok := err.(net.Error); ok && e.Timeout() {
				s.log.Debugf("Transient accept failure: %v", err)
				continue
			}
			s.log.Errorf("Critical accept failure: %v", err)
			return
		}

		id := s.connID.Add(1)
		c := &Conn{
			c:   textproto.NewConn(conn),
			log: s.cfg.NewLoggerFn(fmt.Sprintf("%s:%d", s.cfg.LogModule, id)),
		}
		c.log.Debugf("Accepted new connection")
		s.Go(func() { s.serve(c) })
	}
}

func (s *Server) serve(c *Conn) {
	doneCh := make(chan struct{})
	defer func() {
		close(doneCh)
		c.c.Close()
		c.log.Debugf("Closed")
	}()
	go func() {
		select {
		case <-s.HaltCh():
			c.c.Close()
		case <-doneCh:
		}
	}()

	greeting := StatusServiceReady.String()
	if s.cfg.ServiceName != "" {
		greeting = s.cfg.ServiceName + " " + greeting
	}
	if err := c.c.PrintfLine("%d %s", StatusServiceReady, greeting); err != nil {
		c.log.Debugf("Failed to send greeting: %v", err)
		return
	}

	for {
		l, err := c.c.ReadLine()
		if err != nil {
			c.log.Debugf("Failed to receive command: %v", err)
			return
		}
		if err = s.dispatch(c, l); err != nil {
			c.log.Debugf("Disconnecting: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(c *Conn, l string) error {
	verb, args, _ := strings.Cut(textproto.TrimString(l), " ")
	verb = strings.ToUpper(verb)
	c.log.Debugf("Received command: %v", verb)

	fn, ok := s.handlers[verb]
	if !ok {
		return c.WriteReply(StatusUnknownCommand)
	}
	return fn(c, textproto.TrimString(args))
}

// New returns a Server that answers QUIT.  Call Start to accept
// connections.
func New(cfg *Config) (*Server, error) {
	if cfg.NewLoggerFn == nil {
		return nil, errNoLoggerFn
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.NewLoggerFn(cfg.LogModule),
		handlers: make(map[string]HandlerFunc),
	}
	s.RegisterCommand(cmdQuit, func(c *Conn, _ string) error {
		c.WriteReply(StatusOk)
		return errQuit
	})
	return s, nil
}

// Conn is an accepted management connection.
type Conn struct {
	c   *textproto.Conn
	log *logging.Logger
}

// Log returns the connection's logger.
func (c *Conn) Log() *logging.Logger {
	return c.log
}

// WriteReply sends the final reply line for status.
func (c *Conn) WriteReply(status StatusCode) error {
	reason := status.String()
	if reason == "" {
		return fmt.Errorf("thwack: unknown status code %d", int(status))
	}
	return c.c.PrintfLine("%d %s", int(status), reason)
}

// WriteData sends every data line as a continuation of the reply with
// status, followed by the final reply line.
func (c *Conn) WriteData(status StatusCode, data ...string) error {
	for _, l := range data {
		if strings.ContainsAny(l, "\r\n") {
			return errDataLineBreak
		}
		if err := c.c.PrintfLine("%d-%s", int(status), l); err != nil {
			return err
		}
	}
	return c.WriteReply(status)
}
