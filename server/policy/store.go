// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package policy

import (
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/identity"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDefaultPolicy makes users without an assignment resolve to the
// policy named name.  Without it, such users have no policy.
func WithDefaultPolicy(name string) StoreOption {
	return func(s *Store) {
		s.defaultPolicy = name
	}
}

// Store is the authorizing policy store.  Every operation names the
// authority performing it; the root authority may do anything.
type Store struct {
	log     *logging.Logger
	backend Backend
	root    identity.ID

	defaultPolicy string
}

// NewStore returns a Store over backend with the root authority root.
func NewStore(root identity.ID, backend Backend, log *logging.Logger, opts ...StoreOption) *Store {
	s := &Store{
		log:     log,
		backend: backend,
		root:    root,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the root authority.
func (s *Store) Root() identity.ID {
	return s.root
}

// SetPolicy creates or replaces a policy.
func (s *Store) SetPolicy(authority identity.ID, p *Policy) error {
	if err := s.authorize(authority, func(a *AdminPolicy) bool { return a.CanEditPolicies }); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	stored := *p
	stored.EditTime = time.Now()
	s.log.Infof("Policy %q set by %v", p.Name, authority.Short())
	return s.backend.PutPolicy(&stored)
}

// GetPolicy returns the policy named name, or nil.
func (s *Store) GetPolicy(authority identity.ID, name string) (*Policy, error) {
	if err := s.authorize(authority, isAdmin); err != nil {
		return nil, err
	}
	return s.backend.Policy(name)
}

// GetPolicies returns every policy.
func (s *Store) GetPolicies(authority identity.ID) ([]*Policy, error) {
	if err := s.authorize(authority, isAdmin); err != nil {
		return nil, err
	}
	return s.backend.Policies()
}

// RemovePolicy removes the policy named name.  Users assigned to it are
// left without a policy.
func (s *Store) RemovePolicy(authority identity.ID, name string) error {
	if err := s.authorize(authority, func(a *AdminPolicy) bool { return a.CanEditPolicies }); err != nil {
		return err
	}
	s.log.Infof("Policy %q removed by %v", name, authority.Short())
	return s.backend.DeletePolicy(name)
}

// SetUserPolicy assigns the policy named name to user.
func (s *Store) SetUserPolicy(authority, user identity.ID, name string) error {
	if err := s.authorize(authority, func(a *AdminPolicy) bool { return a.CanEditUserPolicies }); err != nil {
		return err
	}
	p, err := s.backend.Policy(name)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %q", ErrNoSuchPolicy, name)
	}
	s.log.Infof("User %v assigned policy %q by %v", user.Short(), name, authority.Short())
	return s.backend.PutUserPolicy(&UserPolicy{
		AuthorityID: authority,
		UserID:      user,
		PolicyName:  name,
		EditTime:    time.Now(),
	})
}

// GetUserPolicy returns the effective policy of user, or nil.  Users may
// read their own policy.
func (s *Store) GetUserPolicy(authority, user identity.ID) (*Policy, error) {
	if authority != user {
		if err := s.authorize(authority, isAdmin); err != nil {
			return nil, err
		}
	}
	return s.effective(user)
}

// GetUserPolicies returns every assignment.
func (s *Store) GetUserPolicies(authority identity.ID) ([]*UserPolicy, error) {
	if err := s.authorize(authority, isAdmin); err != nil {
		return nil, err
	}
	return s.backend.UserPolicies()
}

// RemoveUserPolicy removes user's assignment.
func (s *Store) RemoveUserPolicy(authority, user identity.ID) error {
	if err := s.authorize(authority, func(a *AdminPolicy) bool { return a.CanEditUserPolicies }); err != nil {
		return err
	}
	s.log.Infof("User %v policy removed by %v", user.Short(), authority.Short())
	return s.backend.DeleteUserPolicy(user)
}

// Resolve returns the effective policy of user as seen by the root
// authority, or nil.  Lookup failures resolve to nil.
func (s *Store) Resolve(user identity.ID) *Policy {
	p, err := s.GetUserPolicy(s.root, user)
	if err != nil {
		s.log.Errorf("Failed to resolve policy for %v: %v", user.Short(), err)
		return nil
	}
	return p
}

// AuthorizeAdmin returns nil iff authority may perform administrative
// actions outside the policy tables, such as removing stored messages.
func (s *Store) AuthorizeAdmin(authority identity.ID) error {
	return s.authorize(authority, isAdmin)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) effective(user identity.ID) (*Policy, error) {
	up, err := s.backend.UserPolicy(user)
	if err != nil {
		return nil, err
	}
	name := s.defaultPolicy
	if up != nil {
		name = up.PolicyName
	}
	if name == "" {
		return nil, nil
	}
	return s.backend.Policy(name)
}

func (s *Store) authorize(authority identity.ID, allowed func(*AdminPolicy) bool) error {
	if authority == s.root {
		return nil
	}
	p, err := s.effective(authority)
	if err != nil {
		return err
	}
	if p == nil || !allowed(&p.Admin) {
		return ErrNotAuthorized
	}
	return nil
}

func isAdmin(a *AdminPolicy) bool {
	return a.IsAdmin
}
