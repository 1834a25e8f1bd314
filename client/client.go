// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client provides a Katzenpost relay client library.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/envelope"
	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/core/wire/commands"
	"github.com/katzenpost/relay/core/worker"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	numChallengeBytes       = 32
	receiveQueueSize        = 64
)

var (
	// ErrServerKeyMismatch is returned when the relay presents a key other
	// than the configured ServerKey.
	ErrServerKeyMismatch = errors.New("client: unexpected relay key")

	// ErrInvalidServerProof is returned when the relay fails to prove
	// possession of its key.
	ErrInvalidServerProof = errors.New("client: invalid relay challenge response")

	// ErrClosed is returned by Receive after the session has ended.
	ErrClosed = errors.New("client: closed")
)

// AuthenticationError is returned by Dial when the relay rejects the
// client.
type AuthenticationError struct {
	Status commands.AuthenticationStatus
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("client: authentication failed: %v", e.Status)
}

// Config is a client configuration.
type Config struct {
	// URL is the relay address, eg: tcp://127.0.0.1:4567 or
	// ws://127.0.0.1:8080/relay.
	URL string

	// IdentityKey is the user's signing key.
	IdentityKey sign.PrivateKey

	// ServerKey optionally pins the relay key.
	ServerKey sign.PublicKey

	// HandshakeTimeout bounds the handshake.
	HandshakeTimeout time.Duration

	// MaxFrameSize bounds inbound frames.
	MaxFrameSize int

	// Log is the client logger, nil disables logging.
	Log *logging.Logger
}

// Message is a message received from the relay.
type Message struct {
	// From is the sender's public key.
	From sign.PublicKey

	// Body is the decrypted message body.
	Body []byte

	// StorageKey is the key the message was stored under, if any.
	StorageKey []byte

	// Control is set for control messages from the relay itself.
	Control *commands.ControlMessage
}

// Client is an authenticated session with a relay.
type Client struct {
	worker.Worker

	log *logging.Logger

	s         transport.Session
	key       sign.PrivateKey
	publicKey sign.PublicKey
	serverKey sign.PublicKey

	sendLock sync.Mutex
	recvCh   chan *Message
	errLock  sync.Mutex
	err      error
}

// PublicKey returns the user's public key.
func (c *Client) PublicKey() sign.PublicKey {
	return c.publicKey
}

// ServerKey returns the relay's public key.
func (c *Client) ServerKey() sign.PublicKey {
	return c.serverKey
}

// Send sends body to the recipients to.  A non-nil storageKey has the
// relay store the message for recipients that are offline, replacing any
// earlier message sent to them under the same key.
func (c *Client) Send(to []sign.PublicKey, storageKey, body []byte) error {
	b, err := envelope.Encode(c.key, c.serverKey, to, storageKey, body)
	if err != nil {
		return err
	}
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.s.WriteFrame(b)
}

// Receive returns the next message, blocking until one arrives, ctx is
// done, or the session ends.
func (c *Client) Receive(ctx context.Context) (*Message, error) {
	select {
	case m, ok := <-c.recvCh:
		if !ok {
			return nil, c.closeErr()
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the session.
func (c *Client) Close() {
	c.s.Close()
	c.Halt()
}

func (c *Client) closeErr() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) reader() {
	defer close(c.recvCh)
	for {
		b, err := c.s.ReadFrame()
		if err != nil {
			c.errLock.Lock()
			if err != io.EOF {
				c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.errLock.Unlock()
			return
		}
		m, err := c.open(b)
		if err != nil {
			c.log.Warningf("Discarding undecodable message: %v", err)
			continue
		}
		select {
		case c.recvCh <- m:
		case <-c.HaltCh():
			return
		}
	}
}

func (c *Client) open(b []byte) (*Message, error) {
	env, err := envelope.Decode(c.key, c.serverKey, b)
	if err != nil {
		return nil, err
	}
	msg, err := env.Open(c.key)
	if err != nil {
		return nil, err
	}
	m := &Message{
		From:       msg.From,
		Body:       msg.Body,
		StorageKey: env.StorageKey,
	}
	if equalKeys(msg.From, c.serverKey) {
		m.Control = new(commands.ControlMessage)
		if err = commands.Unmarshal(msg.Body, m.Control); err != nil {
			return nil, err
		}
		c.log.Debugf("Received control message: %v", m.Control.Type)
	}
	return m, nil
}

func (c *Client) handshake(pinned sign.PublicKey) error {
	// The relay identifies itself, and proves it.
	serverIdentity := new(commands.IdentityMessage)
	if err := c.readMessage(serverIdentity); err != nil {
		return err
	}
	serverKey, err := keys.UnmarshalPublicKey(serverIdentity.PublicKey)
	if err != nil {
		return err
	}
	if pinned != nil && !equalKeys(pinned, serverKey) {
		return ErrServerKeyMismatch
	}
	challenge := make([]byte, numChallengeBytes)
	if _, err = io.ReadFull(rand.Reader, challenge); err != nil {
		return err
	}
	if err = c.writeMessage(&commands.ChallengeMessage{Algorithm: serverKey.Scheme().Name(), Challenge: challenge}); err != nil {
		return err
	}
	proof := new(commands.ChallengeResponse)
	if err = c.readMessage(proof); err != nil {
		return err
	}
	signed := &seal.SignedBytes{Signature: proof.Signature, Bytes: commands.ChallengeBytes(challenge)}
	if err = signed.Verify(serverKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServerProof, err)
	}
	c.serverKey = serverKey

	// Identify ourselves, and answer the relay's challenge.
	if err = c.sealMessage(&commands.IdentityMessage{PublicKey: keys.PublicKeyBytes(c.publicKey)}); err != nil {
		return err
	}
	clientChallenge := new(commands.ChallengeMessage)
	if err = c.readMessage(clientChallenge); err != nil {
		return err
	}
	if clientChallenge.Algorithm != c.key.Scheme().Name() {
		return fmt.Errorf("client: unsupported challenge algorithm: %q", clientChallenge.Algorithm)
	}
	response := seal.Sign(c.key, commands.ChallengeBytes(clientChallenge.Challenge))
	if err = c.sealMessage(&commands.ChallengeResponse{Signature: response.Signature}); err != nil {
		return err
	}

	result := new(commands.AuthenticationResult)
	if err = c.readMessage(result); err != nil {
		return err
	}
	if result.Status != commands.StatusAuthenticated {
		return &AuthenticationError{Status: result.Status}
	}
	return nil
}

func (c *Client) writeMessage(v interface{}) error {
	return c.s.WriteFrame(commands.Marshal(v))
}

func (c *Client) sealMessage(v interface{}) error {
	ct, err := seal.Seal(c.serverKey, commands.Marshal(v))
	if err != nil {
		return err
	}
	b, err := wire.Marshal(ct)
	if err != nil {
		return err
	}
	return c.s.WriteFrame(b)
}

func (c *Client) readMessage(v interface{}) error {
	b, err := c.s.ReadFrame()
	if err != nil {
		return err
	}
	return commands.Unmarshal(b, v)
}

func equalKeys(a, b sign.PublicKey) bool {
	return bytes.Equal(keys.PublicKeyBytes(a), keys.PublicKeyBytes(b))
}

// Dial connects and authenticates to the relay at cfg.URL.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	pk, ok := cfg.IdentityKey.Public().(sign.PublicKey)
	if !ok {
		return nil, keys.ErrUnsupportedKey
	}
	log := cfg.Log
	if log == nil {
		log = logging.MustGetLogger("client")
		log.SetBackend(logging.AddModuleLevel(logging.NewLogBackend(io.Discard, "", 0)))
	}
	maxFrameSize := cfg.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	s, err := transport.Dial(ctx, cfg.URL, &transport.Options{MaxFrameSize: maxFrameSize})
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:       log,
		s:         s,
		key:       cfg.IdentityKey,
		publicKey: pk,
		recvCh:    make(chan *Message, receiveQueueSize),
	}

	s.SetDeadline(time.Now().Add(timeout))
	if err = c.handshake(cfg.ServerKey); err != nil {
		s.Close()
		return nil, err
	}
	s.SetDeadline(time.Time{})
	log.Debugf("Authenticated to %v", cfg.URL)

	c.Go(c.reader)
	return c, nil
}
