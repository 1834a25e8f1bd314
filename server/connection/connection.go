// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package connection implements an authenticated relay connection.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/transport"
)

// ErrNotReady is returned when writing to a connection that is closed or
// was superseded.
var ErrNotReady = errors.New("connection: not ready")

var connectionID uint64

// Connection is an authenticated session with a single user.
type Connection struct {
	log *logging.Logger

	session   transport.Session
	publicKey sign.PublicKey
	id        identity.ID
	serial    uint64

	sendLock   sync.Mutex
	superseded atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	closeCh    chan struct{}
}

// New returns a Connection for the user with the public key pk, over an
// authenticated session.
func New(pk sign.PublicKey, session transport.Session, log *logging.Logger) *Connection {
	return &Connection{
		log:       log,
		session:   session,
		publicKey: pk,
		id:        identity.FromPublicKey(pk),
		serial:    atomic.AddUint64(&connectionID, 1),
		closeCh:   make(chan struct{}),
	}
}

// ID returns the user's identity.
func (c *Connection) ID() identity.ID {
	return c.id
}

// PublicKey returns the user's public key.
func (c *Connection) PublicKey() sign.PublicKey {
	return c.publicKey
}

// String returns a printable description of the connection.
func (c *Connection) String() string {
	return fmt.Sprintf("%d:%s@%s", c.serial, c.id.Short(), c.session.RemoteAddr())
}

// IsReady returns true iff the session is open and the connection was not
// closed or superseded.
func (c *Connection) IsReady() bool {
	return !c.superseded.Load() && !c.closed.Load() && c.session.IsReady()
}

// WriteFrame writes a single frame, serialized with every other write.
func (c *Connection) WriteFrame(b []byte) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.writeLocked(b)
}

// Exclusive calls fn while holding the send lock, so that every frame fn
// writes through write reaches the peer before any other frame.
func (c *Connection) Exclusive(fn func(write func([]byte) error) error) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return fn(c.writeLocked)
}

func (c *Connection) writeLocked(b []byte) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.session.WriteFrame(b)
}

// Supersede marks the connection as replaced by a newer one for the same
// user, and closes it.
func (c *Connection) Supersede() {
	c.superseded.Store(true)
	c.Close()
}

// IsSuperseded returns true iff Supersede was called.
func (c *Connection) IsSuperseded() bool {
	return c.superseded.Load()
}

// Close closes the connection and its session, ending Listen.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.session.Close()
	})
}

// CloseCh returns a channel closed when the connection is closed.
func (c *Connection) CloseCh() <-chan struct{} {
	return c.closeCh
}

// Listen reads frames from the session and passes each to handler, on the
// calling go routine, until the session fails, the connection is closed,
// or haltCh is closed.
func (c *Connection) Listen(haltCh <-chan interface{}, handler func([]byte)) error {
	frameCh := make(chan []byte)
	errCh := make(chan error, 1)
	readerCloseCh := make(chan struct{})
	defer close(readerCloseCh)

	go func() {
		defer close(frameCh)
		for {
			b, err := c.session.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case frameCh <- b:
			case <-readerCloseCh:
				return
			}
		}
	}()

	for {
		select {
		case <-haltCh:
			return nil
		case <-c.closeCh:
			return nil
		case b, ok := <-frameCh:
			if !ok {
				err := <-errCh
				if c.closed.Load() {
					return nil
				}
				return err
			}
			handler(b)
		}
	}
}
