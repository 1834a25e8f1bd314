// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity provides the relay's user identifier, a fixed size
// digest of a user's public signing key.
package identity

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
)

// Size is the size of an ID in bytes.
const Size = hash.HashSize

var (
	// ErrInvalidID is returned when parsing a malformed ID.
	ErrInvalidID = errors.New("identity: invalid ID")

	encoding = base64.RawURLEncoding
)

// ID identifies a user, and is the hash of the user's public key.
type ID [Size]byte

// FromPublicKey returns the ID of the public key k.
func FromPublicKey(k sign.PublicKey) ID {
	return ID(hash.Sum256From(k))
}

// FromBytes returns the ID with the raw value b.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	return id, nil
}

// Parse parses the textual form of an ID as produced by String.
func Parse(s string) (ID, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return FromBytes(b)
}

// Bytes returns a copy of the raw ID.
func (id ID) Bytes() []byte {
	return append([]byte{}, id[:]...)
}

// String returns the unpadded base64url encoding of the ID.
func (id ID) String() string {
	return encoding.EncodeToString(id[:])
}

// Short returns an abbreviated hex form of the ID, for logging.
func (id ID) Short() string {
	return hex.EncodeToString(id[:6])
}

// IsZero returns true iff the ID is all zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
