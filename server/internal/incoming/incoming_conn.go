// incoming_conn.go - Katzenpost relay incoming session handler.
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

package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/envelope"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/core/wire/commands"
	"github.com/katzenpost/relay/server/connection"
	"github.com/katzenpost/relay/server/internal/instrument"
	"github.com/katzenpost/relay/server/internal/router"
)

// statusError is the metrics label of handshakes that failed before a
// result could be sent.
const statusError = "ERROR"

var (
	errUnsupportedAlgorithm = errors.New("incoming: unsupported challenge algorithm")

	incomingConnID uint64
)

type incomingConn struct {
	m   *Sessions
	log *logging.Logger

	s  transport.Session
	e  *list.Element
	id uint64
}

func (c *incomingConn) Close() {
	c.s.Close()
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.s.Close()
		c.m.onClosedConn(c) // Remove from the connection list.
	}()

	// Authenticate, bounded by the handshake timeout.
	timeoutMs := time.Duration(c.m.glue.Config().Debug.HandshakeTimeout) * time.Millisecond
	c.s.SetDeadline(time.Now().Add(timeoutMs))
	pk, status, err := c.authenticate()
	if err != nil {
		instrument.Authentication(statusError)
		c.log.Debugf("Handshake failed: %v", err)
		return
	}
	instrument.Authentication(status.String())
	if status != commands.StatusAuthenticated {
		peer := c.s.RemoteAddr()
		if pk != nil {
			peer = identity.FromPublicKey(pk).Short()
		}
		c.log.Warningf("Authentication failed for %v: %v", peer, status)
		c.writeMessage(&commands.AuthenticationResult{Status: status})
		return
	}

	conn := connection.New(pk, c.s, c.log)
	dir := c.m.glue.Directory()
	defer func() {
		conn.Close()
		dir.RemoveConnection(conn)
	}()

	// The directory entry is added before the result is sent, and nothing
	// else may be written to the connection until the stored messages
	// have been drained.
	result := commands.Marshal(&commands.AuthenticationResult{
		Status:    commands.StatusAuthenticated,
		PublicKey: keys.PublicKeyBytes(c.m.glue.IdentityPublicKey()),
	})
	err = conn.Exclusive(func(write func([]byte) error) error {
		if _, old := dir.Add(conn); old != nil {
			c.log.Debugf("Superseding %v", old)
			old.Supersede()
		}
		if err := write(result); err != nil {
			return err
		}
		c.s.SetDeadline(time.Time{})
		return c.drain(conn, write)
	})
	if err != nil {
		c.log.Infof("Failed to start session for %v: %v", conn, err)
		return
	}

	instrument.SessionOpened()
	defer instrument.SessionClosed()
	c.log.Noticef("Session authenticated for: %v", conn)

	err = conn.Listen(c.m.HaltCh(), func(b []byte) {
		c.onFrame(conn, b)
	})
	switch {
	case conn.IsSuperseded():
		c.log.Debugf("Disconnecting to make room for a newer connection from the same peer.")
	case err != nil:
		c.log.Debugf("Session closed for %v: %v", conn, err)
	default:
		c.log.Debugf("Session closed for: %v", conn)
	}
}

// authenticate runs the server side of the handshake.  A nil error with a
// status other than StatusAuthenticated means the result must still be
// sent to the client.  The public key is nil if the client never
// presented a valid one.
func (c *incomingConn) authenticate() (sign.PublicKey, commands.AuthenticationStatus, error) {
	key := c.m.glue.IdentityKey()

	// Identify ourselves, and prove it.
	c.log.Debugf("Sending server identity")
	if err := c.writeMessage(&commands.IdentityMessage{PublicKey: keys.PublicKeyBytes(c.m.glue.IdentityPublicKey())}); err != nil {
		return nil, commands.StatusNone, err
	}
	serverChallenge := new(commands.ChallengeMessage)
	if err := c.readMessage(serverChallenge); err != nil {
		return nil, commands.StatusNone, err
	}
	if serverChallenge.Algorithm != key.Scheme().Name() {
		c.log.Debugf("Client challenge: %v: %q", errUnsupportedAlgorithm, serverChallenge.Algorithm)
		return nil, commands.StatusFailedChallenge, nil
	}
	signed := seal.Sign(key, commands.ChallengeBytes(serverChallenge.Challenge))
	if err := c.writeMessage(&commands.ChallengeResponse{Signature: signed.Signature}); err != nil {
		return nil, commands.StatusNone, err
	}

	// The client identifies itself, sealed to our key.
	b, err := c.s.ReadFrame()
	if err != nil {
		return nil, commands.StatusNone, err
	}
	clientIdentity := new(commands.IdentityMessage)
	if err = openMessage(key, b, clientIdentity); err != nil {
		c.log.Debugf("Undecodable client identity: %v", err)
		return nil, commands.StatusFailedChallenge, nil
	}
	pk, err := keys.UnmarshalPublicKey(clientIdentity.PublicKey)
	if err != nil {
		c.log.Debugf("Invalid client identity: %v", err)
		return nil, commands.StatusFailedChallenge, nil
	}
	id := identity.FromPublicKey(pk)
	c.log.Debugf("Authenticating %v", id.Short())

	// Challenge the client.
	challenge := make([]byte, c.m.glue.Config().Debug.NumChallengeBytes)
	if _, err = io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, commands.StatusNone, err
	}
	if err = c.writeMessage(&commands.ChallengeMessage{Algorithm: keys.DefaultAlgorithm, Challenge: challenge}); err != nil {
		return nil, commands.StatusNone, err
	}
	if b, err = c.s.ReadFrame(); err != nil {
		return nil, commands.StatusNone, err
	}
	response := new(commands.ChallengeResponse)
	if err = openMessage(key, b, response); err != nil {
		c.log.Debugf("Undecodable challenge response from %v: %v", id.Short(), err)
		return pk, commands.StatusFailedChallenge, nil
	}
	if err = verifyChallenge(pk, challenge, response); err != nil {
		c.log.Debugf("Invalid challenge response from %v: %v", id.Short(), err)
		return pk, commands.StatusFailedChallenge, nil
	}

	p := c.m.glue.Policies().Resolve(id)
	switch {
	case p == nil:
		c.log.Infof("No policy found for client: %v", id.Short())
		return pk, commands.StatusNotAuthorized, nil
	case !p.Connection.CanConnect:
		c.log.Infof("Client not authorized to connect: %v", id.Short())
		return pk, commands.StatusNotAuthorized, nil
	}
	return pk, commands.StatusAuthenticated, nil
}

// drain writes every message stored for the connection's user, oldest
// first, then NO_PENDING_MESSAGES.  A message is removed only once written.
func (c *incomingConn) drain(conn *connection.Connection, write func([]byte) error) error {
	id := conn.ID()
	messages := c.m.glue.Messages()
	n := 0
	for m, err := range messages.GetMessages(&id) {
		if err != nil {
			return err
		}
		recipients := []envelope.Recipient{{PublicKey: conn.PublicKey(), SecretKey: m.SecretKey}}
		b, err := envelope.Rekey(c.m.glue.IdentityKey(), conn.PublicKey(), recipients, m.StorageKey, m.Message)
		if err != nil {
			return err
		}
		if err = write(b); err != nil {
			return err
		}
		if err = messages.RemoveMessage(&m.Header); err != nil {
			c.log.Errorf("Failed to remove delivered message %v: %v", &m.Header, err)
		}
		instrument.Delivery(instrument.DeliveredLocal)
		n++
	}
	c.log.Infof("Queue empty for: %v (%d delivered)", id.Short(), n)

	b, err := c.control(conn.PublicKey(), &commands.ControlMessage{Type: commands.ControlNoPendingMessages})
	if err != nil {
		return err
	}
	return write(b)
}

func (c *incomingConn) onFrame(conn *connection.Connection, b []byte) {
	err := c.m.glue.Router().OnEnvelope(conn.PublicKey(), b)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrPayloadTooLarge):
		reject, err := c.control(conn.PublicKey(), &commands.ControlMessage{Type: commands.ControlPayloadTooLarge})
		if err == nil {
			err = conn.WriteFrame(reject)
		}
		if err != nil {
			c.log.Debugf("Failed to send rejection to %v: %v", conn, err)
		}
	default:
		c.log.Warningf("Failed to handle message from %v: %v", conn, err)
	}
}

// control returns a control message envelope for to, signed by the relay.
func (c *incomingConn) control(to sign.PublicKey, msg *commands.ControlMessage) ([]byte, error) {
	return envelope.Encode(c.m.glue.IdentityKey(), to, []sign.PublicKey{to}, nil, commands.Marshal(msg))
}

func (c *incomingConn) writeMessage(v interface{}) error {
	return c.s.WriteFrame(commands.Marshal(v))
}

func (c *incomingConn) readMessage(v interface{}) error {
	b, err := c.s.ReadFrame()
	if err != nil {
		return err
	}
	return commands.Unmarshal(b, v)
}

func openMessage(key sign.PrivateKey, b []byte, v interface{}) error {
	ct := new(seal.EncryptedBytes)
	if err := wire.Unmarshal(b, ct); err != nil {
		return fmt.Errorf("%w: %v", commands.ErrInvalidCommand, err)
	}
	pt, err := ct.Open(key)
	if err != nil {
		return err
	}
	return commands.Unmarshal(pt, v)
}

func verifyChallenge(pk sign.PublicKey, challenge []byte, response *commands.ChallengeResponse) error {
	if response.Signature.Algorithm != keys.DefaultAlgorithm {
		return fmt.Errorf("%w: %q", errUnsupportedAlgorithm, response.Signature.Algorithm)
	}
	signed := &seal.SignedBytes{
		Signature: response.Signature,
		Bytes:     commands.ChallengeBytes(challenge),
	}
	return signed.Verify(pk)
}

func newIncomingConn(m *Sessions, s transport.Session) *incomingConn {
	c := &incomingConn{
		m:  m,
		s:  s,
		id: atomic.AddUint64(&incomingConnID, 1),
	}
	c.log = m.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))
	c.log.Debugf("New incoming session: %v", s.RemoteAddr())
	return c
}
