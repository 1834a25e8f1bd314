// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package policy

import (
	"bytes"
	"sort"
	"sync"

	"github.com/katzenpost/relay/core/identity"
)

type memoryBackend struct {
	sync.RWMutex

	policies     map[string]Policy
	userPolicies map[identity.ID]UserPolicy
}

// NewMemoryBackend returns a Backend held in memory.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		policies:     make(map[string]Policy),
		userPolicies: make(map[identity.ID]UserPolicy),
	}
}

func (m *memoryBackend) PutPolicy(p *Policy) error {
	m.Lock()
	defer m.Unlock()
	m.policies[p.Name] = *p
	return nil
}

func (m *memoryBackend) Policy(name string) (*Policy, error) {
	m.RLock()
	defer m.RUnlock()
	p, ok := m.policies[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memoryBackend) Policies() ([]*Policy, error) {
	m.RLock()
	defer m.RUnlock()
	ret := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		p := p
		ret = append(ret, &p)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

func (m *memoryBackend) DeletePolicy(name string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.policies, name)
	return nil
}

func (m *memoryBackend) PutUserPolicy(up *UserPolicy) error {
	m.Lock()
	defer m.Unlock()
	m.userPolicies[up.UserID] = *up
	return nil
}

func (m *memoryBackend) UserPolicy(user identity.ID) (*UserPolicy, error) {
	m.RLock()
	defer m.RUnlock()
	up, ok := m.userPolicies[user]
	if !ok {
		return nil, nil
	}
	return &up, nil
}

func (m *memoryBackend) UserPolicies() ([]*UserPolicy, error) {
	m.RLock()
	defer m.RUnlock()
	ret := make([]*UserPolicy, 0, len(m.userPolicies))
	for _, up := range m.userPolicies {
		up := up
		ret = append(ret, &up)
	}
	sort.Slice(ret, func(i, j int) bool { return bytes.Compare(ret[i].UserID[:], ret[j].UserID[:]) < 0 })
	return ret, nil
}

func (m *memoryBackend) DeleteUserPolicy(user identity.ID) error {
	m.Lock()
	defer m.Unlock()
	delete(m.userPolicies, user)
	return nil
}

func (m *memoryBackend) Close() error {
	return nil
}
