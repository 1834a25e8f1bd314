// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package policy implements relay policies: named bundles of connection,
// message size, storage and administrative limits, assigned to users by
// authorities.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/relay/core/identity"
)

const (
	// DefaultMaxPayloadSize is the message size limit of NewPolicy.
	DefaultMaxPayloadSize = 50 * 1024 * 1024

	// DefaultMaxStoredBytes is the storage limit of NewPolicy.
	DefaultMaxStoredBytes = 50 * 1024 * 1024
)

var (
	// ErrNotAuthorized is returned when an authority lacks the permission
	// for an operation.
	ErrNotAuthorized = errors.New("policy: not authorized")

	// ErrNoSuchPolicy is returned when a named policy does not exist.
	ErrNoSuchPolicy = errors.New("policy: no such policy")

	// ErrInvalidPolicy is returned for malformed policies.
	ErrInvalidPolicy = errors.New("policy: invalid policy")
)

// ConnectionPolicy governs whether a user may connect.
type ConnectionPolicy struct {
	CanConnect bool
}

// MessagePolicy bounds the messages a user may send.
type MessagePolicy struct {
	MaxPayloadSize int64
}

// StoragePolicy bounds the bytes stored for a user while offline.
type StoragePolicy struct {
	MaxStoredBytes int64
}

// AdminPolicy grants administrative permissions.
type AdminPolicy struct {
	IsAdmin             bool
	CanEditPolicies     bool
	CanEditUserPolicies bool
}

// Policy is a named bundle of limits.
type Policy struct {
	Name       string
	Connection ConnectionPolicy
	Message    MessagePolicy
	Storage    StoragePolicy
	Admin      AdminPolicy
	EditTime   time.Time
}

// NewPolicy returns a policy named name allowing connections with the
// default limits and no administrative permissions.
func NewPolicy(name string) *Policy {
	return &Policy{
		Name:       name,
		Connection: ConnectionPolicy{CanConnect: true},
		Message:    MessagePolicy{MaxPayloadSize: DefaultMaxPayloadSize},
		Storage:    StoragePolicy{MaxStoredBytes: DefaultMaxStoredBytes},
	}
}

// Validate checks the policy for sanity.
func (p *Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPolicy)
	case p.Message.MaxPayloadSize < 0:
		return fmt.Errorf("%w: negative MaxPayloadSize", ErrInvalidPolicy)
	case p.Storage.MaxStoredBytes < 0:
		return fmt.Errorf("%w: negative MaxStoredBytes", ErrInvalidPolicy)
	}
	return nil
}

// UserPolicy assigns a named policy to a user.
type UserPolicy struct {
	AuthorityID identity.ID
	UserID      identity.ID
	PolicyName  string
	EditTime    time.Time
}

// Backend is the persistence interface of a policy store.  Backends do no
// authorization; lookups of absent records return nil without error.
type Backend interface {
	// PutPolicy creates or replaces a policy.
	PutPolicy(p *Policy) error

	// Policy returns the policy named name.
	Policy(name string) (*Policy, error)

	// Policies returns every policy, ordered by name.
	Policies() ([]*Policy, error)

	// DeletePolicy removes the policy named name.
	DeletePolicy(name string) error

	// PutUserPolicy creates or replaces a user's assignment.
	PutUserPolicy(up *UserPolicy) error

	// UserPolicy returns the user's assignment.
	UserPolicy(user identity.ID) (*UserPolicy, error)

	// UserPolicies returns every assignment.
	UserPolicies() ([]*UserPolicy, error)

	// DeleteUserPolicy removes the user's assignment.
	DeleteUserPolicy(user identity.ID) error

	// Close closes the backend.
	Close() error
}
