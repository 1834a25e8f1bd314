// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands defines the relay handshake and control messages.
//
// Each message is CBOR encoded and carried in exactly one frame; the
// handshake state machine knows which message it expects next.
package commands

import (
	"errors"
	"fmt"

	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/wire"
)

// ErrInvalidCommand is returned when a message fails to decode.
var ErrInvalidCommand = errors.New("commands: invalid message")

// IdentityMessage announces a public key.
type IdentityMessage struct {
	PublicKey []byte
}

// ChallengeMessage asks the peer to sign Challenge with Algorithm.
type ChallengeMessage struct {
	Algorithm string
	Challenge []byte
}

// challengeContext prefixes every signed challenge, so that a peer can
// never obtain a signature over an arbitrary message such as an envelope
// header.
var challengeContext = []byte("katzenpost-relay-challenge-v0:")

// ChallengeBytes returns the bytes actually signed in response to
// challenge.
func ChallengeBytes(challenge []byte) []byte {
	b := make([]byte, 0, len(challengeContext)+len(challenge))
	b = append(b, challengeContext...)
	return append(b, challenge...)
}

// ChallengeResponse carries the signed challenge.
type ChallengeResponse struct {
	Signature seal.Signature
}

// AuthenticationStatus is the outcome of a handshake.
type AuthenticationStatus uint8

const (
	// StatusNone is the zero value and never sent.
	StatusNone AuthenticationStatus = iota
	// StatusAuthenticated means the session was admitted.
	StatusAuthenticated
	// StatusFailedChallenge means the challenge response did not verify.
	StatusFailedChallenge
	// StatusNotAuthorized means the connection policy denied the user.
	StatusNotAuthorized
)

func (s AuthenticationStatus) String() string {
	switch s {
	case StatusAuthenticated:
		return "AUTHENTICATED"
	case StatusFailedChallenge:
		return "FAILED_CHALLENGE"
	case StatusNotAuthorized:
		return "NOT_AUTHORIZED"
	default:
		return fmt.Sprintf("[Unknown status: %d]", uint8(s))
	}
}

// AuthenticationResult ends the handshake.
type AuthenticationResult struct {
	Status    AuthenticationStatus
	PublicKey []byte `cbor:",omitempty"`
}

// ControlType is the type of a control message.
type ControlType uint8

const (
	// ControlNone is the zero value and never sent.
	ControlNone ControlType = iota
	// ControlNoPendingMessages follows the delivery of stored messages.
	ControlNoPendingMessages
	// ControlPayloadTooLarge rejects a frame exceeding the sender's limit.
	ControlPayloadTooLarge
)

func (t ControlType) String() string {
	switch t {
	case ControlNoPendingMessages:
		return "NO_PENDING_MESSAGES"
	case ControlPayloadTooLarge:
		return "PAYLOAD_TOO_LARGE"
	default:
		return fmt.Sprintf("[Unknown control: %d]", uint8(t))
	}
}

// ControlMessage is a relay generated notice, delivered to a client inside
// an envelope signed by the relay.
type ControlMessage struct {
	Type ControlType
	Data []byte `cbor:",omitempty"`
}

// Marshal encodes a message.
func Marshal(v interface{}) []byte {
	return wire.MustMarshal(v)
}

// Unmarshal decodes a message into v.
func Unmarshal(b []byte, v interface{}) error {
	if err := wire.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}
