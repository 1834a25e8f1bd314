// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keys provides relay key management: the signature scheme, PEM
// key files, and the conversion of signing keys to key agreement keys.
package keys

import (
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/ed25519"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	"github.com/katzenpost/hpqc/sign/schemes"

	"github.com/katzenpost/relay/core/utils"
)

// DefaultAlgorithm is the name of the signature scheme used for relay and
// user keys.
const DefaultAlgorithm = "Ed25519"

var (
	// Scheme is the signature scheme used for relay and user keys.
	Scheme sign.Scheme = ed25519.Scheme()

	// ErrUnsupportedKey is returned for keys that cannot be converted to
	// key agreement keys.
	ErrUnsupportedKey = errors.New("keys: unsupported key type")

	textEncoding = base64.RawURLEncoding
)

// SchemeByName returns the signature scheme named name, or nil.
func SchemeByName(name string) sign.Scheme {
	return schemes.ByName(name)
}

// Generate generates a new key pair.
func Generate() (sign.PrivateKey, sign.PublicKey, error) {
	pk, sk, err := Scheme.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	return sk, pk, nil
}

// UnmarshalPublicKey deserializes a binary public key.
func UnmarshalPublicKey(b []byte) (sign.PublicKey, error) {
	if len(b) != Scheme.PublicKeySize() {
		return nil, fmt.Errorf("keys: invalid public key length %d", len(b))
	}
	return Scheme.UnmarshalBinaryPublicKey(b)
}

// PublicKeyBytes returns the binary form of a public key.
func PublicKeyBytes(k sign.PublicKey) []byte {
	b, err := k.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// PublicKeyString returns the unpadded base64url encoding of k, as used in
// forwarding URLs.
func PublicKeyString(k sign.PublicKey) string {
	return textEncoding.EncodeToString(PublicKeyBytes(k))
}

// ParsePublicKeyString is the inverse of PublicKeyString.
func ParsePublicKeyString(s string) (sign.PublicKey, error) {
	b, err := textEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return UnmarshalPublicKey(b)
}

// LoadOrGenerate loads the key pair stored in the PEM files privFile and
// pubFile, generating and writing a new pair if neither exists.
func LoadOrGenerate(privFile, pubFile string) (sign.PrivateKey, sign.PublicKey, error) {
	privExists, pubExists := utils.Exists(privFile), utils.Exists(pubFile)
	switch {
	case privExists && pubExists:
		sk, err := signpem.FromPrivatePEMFile(privFile, Scheme)
		if err != nil {
			return nil, nil, err
		}
		pk, err := signpem.FromPublicPEMFile(pubFile, Scheme)
		if err != nil {
			return nil, nil, err
		}
		if !pk.Equal(sk.Public()) {
			return nil, nil, fmt.Errorf("keys: %s does not match %s", pubFile, privFile)
		}
		return sk, pk, nil
	case !privExists && !pubExists:
		sk, pk, err := Generate()
		if err != nil {
			return nil, nil, err
		}
		if err = signpem.PrivateKeyToFile(privFile, sk); err != nil {
			return nil, nil, err
		}
		if err = signpem.PublicKeyToFile(pubFile, pk); err != nil {
			return nil, nil, err
		}
		return sk, pk, nil
	default:
		return nil, nil, fmt.Errorf("%s and %s must either both exist or not exist", privFile, pubFile)
	}
}

// LoadPublicKeyFile loads a PEM encoded public key.
func LoadPublicKeyFile(f string) (sign.PublicKey, error) {
	return signpem.FromPublicPEMFile(f, Scheme)
}

// X25519PublicKey returns the Montgomery form of an Ed25519 public key.
func X25519PublicKey(k sign.PublicKey) (*[32]byte, error) {
	edPk, ok := k.(*ed25519.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	var out [32]byte
	copy(out[:], edPk.ToECDH().Bytes())
	return &out, nil
}

// X25519PrivateKey returns the X25519 scalar corresponding to an Ed25519
// private key, as derived by RFC 8032 key expansion.
func X25519PrivateKey(k sign.PrivateKey) (*[32]byte, error) {
	edSk, ok := k.(*ed25519.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	h := sha512.Sum512(edSk.Bytes()[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var out [32]byte
	copy(out[:], h[:32])
	return &out, nil
}
