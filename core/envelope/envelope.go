// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the two layer payload envelope used to move
// a message from a sender to one or more recipients through a relay.
//
// The header carries the recipient list, the optional storage key and the
// per message symmetric key.  It is encrypted to a single public key (the
// relay when sending, the final recipient when delivering) and signed by
// whoever produced it.  The body is encrypted once under the symmetric key,
// signed by the sender, and is never re-encrypted by the relay.
//
// The relay decrypts every header it handles, so it holds the symmetric
// key of every message it routes.  This is a trust boundary of the
// protocol: senders trust their relay with message contents.
package envelope

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/sign"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/wire"
)

var (
	// ErrDecode is the parent of every envelope decoding failure.
	ErrDecode = errors.New("envelope: decode error")

	// ErrMalformed is returned for structurally invalid envelopes.
	ErrMalformed = fmt.Errorf("%w: malformed envelope", ErrDecode)

	// ErrInvalidSignature is returned when a signature does not verify
	// against the claimed signer.
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrDecode)

	// ErrUnknownAlgorithm is returned when a signature names an unknown
	// algorithm, or one that does not match the claimed signer.
	ErrUnknownAlgorithm = fmt.Errorf("%w: unknown signature algorithm", ErrDecode)

	// ErrRecipientMismatch is returned when a key is not among the
	// envelope's recipients.
	ErrRecipientMismatch = fmt.Errorf("%w: recipient mismatch", ErrDecode)

	// ErrNoRecipients is returned when encoding an envelope with no
	// recipients.
	ErrNoRecipients = errors.New("envelope: no recipients")
)

// Recipient is a recipient public key and the symmetric key of the body.
type Recipient struct {
	PublicKey sign.PublicKey
	SecretKey []byte
}

// Envelope is a decoded payload envelope.  The body remains encrypted.
type Envelope struct {
	// Recipients is never empty.
	Recipients []Recipient

	// StorageKey is nil for messages that must never be persisted.
	StorageKey []byte

	// Message is the signed and encrypted body.
	Message *seal.SignedBytes
}

// Message is the plaintext of an envelope body.
type Message struct {
	From sign.PublicKey
	Body []byte
}

type wireRecipient struct {
	PublicKey []byte
	SecretKey []byte
}

type wireHeader struct {
	Recipients []wireRecipient
	StorageKey []byte `cbor:",omitempty"`
}

type wireMessage struct {
	From []byte
	Body []byte
}

// UniqueStorageKey returns a fresh random storage key.
func UniqueStorageKey() []byte {
	k := uuid.New()
	return k[:]
}

// Encode builds a payload envelope carrying body from sender to the
// recipients to.  The header is encrypted to headerTo, normally the relay.
func Encode(sender sign.PrivateKey, headerTo sign.PublicKey, to []sign.PublicKey, storageKey []byte, body []byte) ([]byte, error) {
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}
	senderPk, ok := sender.Public().(sign.PublicKey)
	if !ok {
		return nil, keys.ErrUnsupportedKey
	}

	secretKey, err := seal.NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	ptBody, err := wire.Marshal(&wireMessage{
		From: keys.PublicKeyBytes(senderPk),
		Body: body,
	})
	if err != nil {
		return nil, err
	}
	ctBody, err := seal.SealSymmetric(secretKey, ptBody)
	if err != nil {
		return nil, err
	}
	rawBody, err := wire.Marshal(ctBody)
	if err != nil {
		return nil, err
	}

	recipients := make([]Recipient, 0, len(to))
	for _, pk := range to {
		recipients = append(recipients, Recipient{PublicKey: pk, SecretKey: secretKey})
	}
	return Rekey(sender, headerTo, recipients, storageKey, seal.Sign(sender, rawBody))
}

// Rekey builds a payload envelope with a fresh header for recipients,
// encrypted to headerTo and signed by signer, around an unchanged body.
func Rekey(signer sign.PrivateKey, headerTo sign.PublicKey, recipients []Recipient, storageKey []byte, message *seal.SignedBytes) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	hdr := &wireHeader{
		Recipients: make([]wireRecipient, 0, len(recipients)),
	}
	if len(storageKey) > 0 {
		hdr.StorageKey = storageKey
	}
	for _, r := range recipients {
		hdr.Recipients = append(hdr.Recipients, wireRecipient{
			PublicKey: keys.PublicKeyBytes(r.PublicKey),
			SecretKey: r.SecretKey,
		})
	}
	ptHdr, err := wire.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	ctHdr, err := seal.Seal(headerTo, ptHdr)
	if err != nil {
		return nil, err
	}
	rawHdr, err := wire.Marshal(ctHdr)
	if err != nil {
		return nil, err
	}
	signedHdr, err := wire.Marshal(seal.Sign(signer, rawHdr))
	if err != nil {
		return nil, err
	}
	signedBody, err := wire.Marshal(message)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 0, 2*wire.PrefixLength+len(signedHdr)+len(signedBody))
	b = wire.AppendField(b, signedHdr)
	b = wire.AppendField(b, signedBody)
	return b, nil
}

// Decode decrypts the header of the payload envelope b with myKey and
// verifies its signature against claimedSender.  The body is left
// encrypted.
func Decode(myKey sign.PrivateKey, claimedSender sign.PublicKey, b []byte) (*Envelope, error) {
	rawHdr, rest, err := wire.SplitField(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rawBody, rest, err := wire.SplitField(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}

	signedHdr := new(seal.SignedBytes)
	if err = wire.Unmarshal(rawHdr, signedHdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if err = verify(signedHdr, claimedSender); err != nil {
		return nil, err
	}
	ctHdr := new(seal.EncryptedBytes)
	if err = wire.Unmarshal(signedHdr.Bytes, ctHdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	ptHdr, err := ctHdr.Open(myKey)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	hdr := new(wireHeader)
	if err = wire.Unmarshal(ptHdr, hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if len(hdr.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrMalformed)
	}

	e := &Envelope{
		Recipients: make([]Recipient, 0, len(hdr.Recipients)),
		Message:    new(seal.SignedBytes),
	}
	if len(hdr.StorageKey) > 0 {
		e.StorageKey = hdr.StorageKey
	}
	for _, r := range hdr.Recipients {
		pk, err := keys.UnmarshalPublicKey(r.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient: %v", ErrMalformed, err)
		}
		if len(r.SecretKey) != seal.SymmetricKeySize {
			return nil, fmt.Errorf("%w: recipient secret key", ErrMalformed)
		}
		e.Recipients = append(e.Recipients, Recipient{PublicKey: pk, SecretKey: r.SecretKey})
	}
	if err = wire.Unmarshal(rawBody, e.Message); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	return e, nil
}

// Recipient returns the recipient entry for pk.
func (e *Envelope) Recipient(pk sign.PublicKey) (*Recipient, error) {
	want := keys.PublicKeyBytes(pk)
	for i := range e.Recipients {
		if bytes.Equal(keys.PublicKeyBytes(e.Recipients[i].PublicKey), want) {
			return &e.Recipients[i], nil
		}
	}
	return nil, ErrRecipientMismatch
}

// RekeyFor builds the payload envelope delivered to the single recipient
// to, signed by signer.
func (e *Envelope) RekeyFor(signer sign.PrivateKey, to sign.PublicKey) ([]byte, error) {
	r, err := e.Recipient(to)
	if err != nil {
		return nil, err
	}
	return Rekey(signer, to, []Recipient{*r}, e.StorageKey, e.Message)
}

// Open decrypts the body for the recipient holding myKey, and verifies the
// body signature against the sender named inside it.
func (e *Envelope) Open(myKey sign.PrivateKey) (*Message, error) {
	myPk, ok := myKey.Public().(sign.PublicKey)
	if !ok {
		return nil, keys.ErrUnsupportedKey
	}
	r, err := e.Recipient(myPk)
	if err != nil {
		return nil, err
	}

	ctBody := new(seal.EncryptedBytes)
	if err = wire.Unmarshal(e.Message.Bytes, ctBody); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	ptBody, err := ctBody.OpenSymmetric(r.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	m := new(wireMessage)
	if err = wire.Unmarshal(ptBody, m); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	from, err := keys.UnmarshalPublicKey(m.From)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrMalformed, err)
	}
	if err = verify(e.Message, from); err != nil {
		return nil, err
	}
	return &Message{From: from, Body: m.Body}, nil
}

func verify(sb *seal.SignedBytes, pk sign.PublicKey) error {
	err := sb.Verify(pk)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, seal.ErrUnknownAlgorithm), errors.Is(err, seal.ErrAlgorithmMismatch):
		return fmt.Errorf("%w: %v", ErrUnknownAlgorithm, err)
	default:
		return ErrInvalidSignature
	}
}
