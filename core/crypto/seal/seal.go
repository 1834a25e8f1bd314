// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package seal provides the relay's signed and encrypted byte containers.
//
// Asymmetric encryption is an anonymous NaCl box addressed to the X25519
// form of the recipient's Ed25519 key.  Symmetric encryption is
// XChaCha20-Poly1305 with a random nonce.
package seal

import (
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/katzenpost/relay/core/crypto/keys"
)

const (
	// TransformationBox is the asymmetric transformation name.
	TransformationBox = "X25519-XSalsa20-Poly1305"

	// TransformationAEAD is the symmetric transformation name.
	TransformationAEAD = "XChaCha20-Poly1305"

	// SymmetricKeySize is the size of a symmetric key.
	SymmetricKeySize = chacha20poly1305.KeySize
)

var (
	// ErrUnknownAlgorithm is returned when a signature names an algorithm
	// that is not supported.
	ErrUnknownAlgorithm = errors.New("seal: unknown signature algorithm")

	// ErrAlgorithmMismatch is returned when a signature algorithm does not
	// match the verifying key.
	ErrAlgorithmMismatch = errors.New("seal: signature algorithm mismatch")

	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("seal: invalid signature")

	// ErrTransformation is returned when a ciphertext was produced by an
	// unexpected transformation.
	ErrTransformation = errors.New("seal: unexpected transformation")

	// ErrDecrypt is returned when authenticated decryption fails.
	ErrDecrypt = errors.New("seal: decryption failed")
)

// Signature is a signature tagged with the algorithm that produced it.
type Signature struct {
	Algorithm string
	Bytes     []byte
}

// SignedBytes is a payload with its signature.
type SignedBytes struct {
	Signature Signature
	Bytes     []byte
}

// Sign signs b with the private key sk.
func Sign(sk sign.PrivateKey, b []byte) *SignedBytes {
	scheme := sk.Scheme()
	return &SignedBytes{
		Signature: Signature{
			Algorithm: scheme.Name(),
			Bytes:     scheme.Sign(sk, b, nil),
		},
		Bytes: b,
	}
}

// Verify verifies the signature against the public key pk.  The algorithm
// named by the signature must be known and must be pk's scheme.
func (s *SignedBytes) Verify(pk sign.PublicKey) error {
	scheme := keys.SchemeByName(s.Signature.Algorithm)
	if scheme == nil {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s.Signature.Algorithm)
	}
	if scheme.Name() != pk.Scheme().Name() {
		return fmt.Errorf("%w: %q", ErrAlgorithmMismatch, s.Signature.Algorithm)
	}
	if len(s.Signature.Bytes) != scheme.SignatureSize() {
		return ErrInvalidSignature
	}
	if !scheme.Verify(pk, s.Bytes, s.Signature.Bytes, nil) {
		return ErrInvalidSignature
	}
	return nil
}

// EncryptedBytes is a ciphertext tagged with the transformation that
// produced it and any public parameters (the nonce).
type EncryptedBytes struct {
	Transformation string
	Parameters     []byte
	Bytes          []byte
}

// Seal encrypts plaintext so that only the holder of the private key
// corresponding to pk may decrypt it.
func Seal(pk sign.PublicKey, plaintext []byte) (*EncryptedBytes, error) {
	xPk, err := keys.X25519PublicKey(pk)
	if err != nil {
		return nil, err
	}
	ct, err := box.SealAnonymous(nil, plaintext, xPk, rand.Reader)
	if err != nil {
		return nil, err
	}
	return &EncryptedBytes{
		Transformation: TransformationBox,
		Bytes:          ct,
	}, nil
}

// Open decrypts a ciphertext produced by Seal.
func (e *EncryptedBytes) Open(sk sign.PrivateKey) ([]byte, error) {
	if e.Transformation != TransformationBox {
		return nil, fmt.Errorf("%w: %q", ErrTransformation, e.Transformation)
	}
	xSk, err := keys.X25519PrivateKey(sk)
	if err != nil {
		return nil, err
	}
	pk, ok := sk.Public().(sign.PublicKey)
	if !ok {
		return nil, keys.ErrUnsupportedKey
	}
	xPk, err := keys.X25519PublicKey(pk)
	if err != nil {
		return nil, err
	}
	pt, ok := box.OpenAnonymous(nil, e.Bytes, xPk, xSk)
	if !ok {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// NewSymmetricKey returns a new random symmetric key.
func NewSymmetricKey() ([]byte, error) {
	k := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}

// SealSymmetric encrypts plaintext under key.
func SealSymmetric(key, plaintext []byte) (*EncryptedBytes, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return &EncryptedBytes{
		Transformation: TransformationAEAD,
		Parameters:     nonce,
		Bytes:          aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// OpenSymmetric decrypts a ciphertext produced by SealSymmetric.
func (e *EncryptedBytes) OpenSymmetric(key []byte) ([]byte, error) {
	if e.Transformation != TransformationAEAD {
		return nil, fmt.Errorf("%w: %q", ErrTransformation, e.Transformation)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(e.Parameters) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	pt, err := aead.Open(nil, e.Parameters, e.Bytes, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
