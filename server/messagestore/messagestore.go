// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package messagestore implements the per recipient store-and-forward
// queues.  A stored message is addressed by its recipient and storage key;
// adding a message under an existing key replaces the earlier one.
package messagestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/internal/instrument"
	"github.com/katzenpost/relay/server/policy"
)

// DefaultMaxBytesStored is the default global storage budget.
const DefaultMaxBytesStored = 1 << 30

var (
	// ErrNoStorageKey is returned when adding an ephemeral message.
	ErrNoStorageKey = errors.New("messagestore: message has no storage key")

	// ErrNoPolicy is the drop reason for recipients without a policy.
	ErrNoPolicy = errors.New("messagestore: recipient has no storage policy")

	// ErrQuotaExceeded is the drop reason for messages over a quota.
	ErrQuotaExceeded = errors.New("messagestore: quota exceeded")

	// ErrClosed is returned by a closed store.
	ErrClosed = errors.New("messagestore: store closed")
)

// Header identifies a stored message.
type Header struct {
	From       identity.ID
	To         identity.ID
	StorageKey []byte
}

func (h *Header) String() string {
	return fmt.Sprintf("%v->%v:%s", h.From.Short(), h.To.Short(), hex.EncodeToString(h.StorageKey))
}

// StoredMessage is a message waiting for its recipient.
type StoredMessage struct {
	Header

	// SecretKey is the recipient's copy of the body key.
	SecretKey []byte

	// Message is the encrypted, signed body.
	Message *seal.SignedBytes

	InsertedAt time.Time
}

// Size is the number of bytes the message is charged against quotas.
func (m *StoredMessage) Size() int64 {
	return MessageSize(m.Message)
}

// MessageSize is the quota charge of a message body.
func MessageSize(msg *seal.SignedBytes) int64 {
	return int64(len(msg.Bytes))
}

// Usage is the amount of storage held for one recipient.
type Usage struct {
	ID           identity.ID
	MessageCount int64
	ByteCount    int64
}

// Store is a message store backend.
type Store interface {
	// AddMessage stores msg for to under storageKey, replacing any
	// message already held under that key.  Messages over quota are
	// dropped and logged without an error.
	AddMessage(from, to identity.ID, storageKey, secretKey []byte, msg *seal.SignedBytes) error

	// GetMessages returns the messages held for to oldest first, or every
	// message when to is nil.  The sequence reads the store lazily and may
	// be iterated again.
	GetMessages(to *identity.ID) iter.Seq2[*StoredMessage, error]

	// RemoveMessage removes the message identified by h, if any.
	RemoveMessage(h *Header) error

	// RemoveMessages removes up to limit messages older than maxAge,
	// oldest first.  A limit of 0 removes every such message.
	RemoveMessages(maxAge time.Duration, limit int) ([]*Header, error)

	// RemoveUserMessages removes every message held for to.
	RemoveUserMessages(to identity.ID) error

	// GetUsage returns the storage held per recipient.
	GetUsage() ([]*Usage, error)

	// Close closes the store.
	Close()
}

// PolicyResolver resolves the effective policy of a user.
type PolicyResolver interface {
	Resolve(user identity.ID) *policy.Policy
}

// Quota is the admission check shared by the backends.  Backends call
// Admit with their accounting read inside the same critical section as
// the insert that follows.
type Quota struct {
	log      *logging.Logger
	resolver PolicyResolver
	maxBytes int64
}

// NewQuota returns a Quota resolving per user limits with resolver and
// bounding the whole store to maxBytes.
func NewQuota(resolver PolicyResolver, maxBytes int64, log *logging.Logger) *Quota {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytesStored
	}
	return &Quota{
		log:      log,
		resolver: resolver,
		maxBytes: maxBytes,
	}
}

// Log returns the logger drops are reported to.
func (q *Quota) Log() *logging.Logger {
	return q.log
}

// MaxBytes returns the global storage budget.
func (q *Quota) MaxBytes() int64 {
	return q.maxBytes
}

// Admit decides whether a message of size bytes for h.To fits.  userBytes
// and totalBytes are the current usage of the recipient and of the store,
// and replaced is the size of the message the new one would replace.  A
// rejected message is logged and counted; the returned error says why.
func (q *Quota) Admit(h *Header, size, userBytes, totalBytes, replaced int64) error {
	p := q.resolver.Resolve(h.To)
	if p == nil {
		q.drop(h, size, instrument.DropNoPolicy, ErrNoPolicy)
		return ErrNoPolicy
	}
	if userBytes-replaced+size > p.Storage.MaxStoredBytes {
		q.drop(h, size, instrument.DropUserQuota, ErrQuotaExceeded)
		return ErrQuotaExceeded
	}
	if totalBytes-replaced+size > q.maxBytes {
		q.drop(h, size, instrument.DropGlobalQuota, ErrQuotaExceeded)
		return ErrQuotaExceeded
	}
	return nil
}

func (q *Quota) drop(h *Header, size int64, reason string, err error) {
	q.log.Warningf("Dropping %d byte message %v: %v (%s)", size, h, err, reason)
	instrument.MessageDropped(reason)
}

// Finish records the outcome of an AddMessage call and returns the error
// AddMessage reports, nil for admission rejections.
func (q *Quota) Finish(err error) error {
	switch {
	case err == nil:
		instrument.Delivery(instrument.DeliveredStored)
	case IsDrop(err):
		instrument.Delivery(instrument.DeliveryDropped)
		return nil
	}
	return err
}

// Validate checks the arguments of AddMessage.
func Validate(storageKey []byte, msg *seal.SignedBytes) error {
	if len(storageKey) == 0 {
		return ErrNoStorageKey
	}
	if msg == nil {
		return errors.New("messagestore: nil message")
	}
	return nil
}

// IsDrop returns true if err is an admission rejection rather than a
// storage failure.
func IsDrop(err error) bool {
	return errors.Is(err, ErrNoPolicy) || errors.Is(err, ErrQuotaExceeded)
}
