// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package policytest provides a conformance test shared by the policy
// backends.
package policytest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/policy"
)

// TestBackend exercises b, which must be empty.
func TestBackend(t *testing.T, b policy.Backend) {
	require := require.New(t)

	p, err := b.Policy("default")
	require.NoError(err)
	require.Nil(p)

	now := time.Now()
	def := policy.NewPolicy("default")
	def.EditTime = now
	admin := policy.NewPolicy("admin")
	admin.Admin = policy.AdminPolicy{IsAdmin: true, CanEditUserPolicies: true}
	require.NoError(b.PutPolicy(def))
	require.NoError(b.PutPolicy(admin))

	p, err = b.Policy("default")
	require.NoError(err)
	require.Equal("default", p.Name)
	require.True(p.Connection.CanConnect)
	require.Equal(int64(policy.DefaultMaxPayloadSize), p.Message.MaxPayloadSize)
	require.True(now.Equal(p.EditTime))

	def.Storage.MaxStoredBytes = 1024
	require.NoError(b.PutPolicy(def))
	p, err = b.Policy("default")
	require.NoError(err)
	require.Equal(int64(1024), p.Storage.MaxStoredBytes)

	all, err := b.Policies()
	require.NoError(err)
	require.Len(all, 2)
	require.Equal("admin", all[0].Name)
	require.True(all[0].Admin.IsAdmin)
	require.Equal("default", all[1].Name)

	var authority, user identity.ID
	authority[0], user[0] = 1, 2
	up, err := b.UserPolicy(user)
	require.NoError(err)
	require.Nil(up)

	require.NoError(b.PutUserPolicy(&policy.UserPolicy{
		AuthorityID: authority,
		UserID:      user,
		PolicyName:  "default",
		EditTime:    now,
	}))
	require.NoError(b.PutUserPolicy(&policy.UserPolicy{
		AuthorityID: authority,
		UserID:      user,
		PolicyName:  "admin",
		EditTime:    now,
	}))
	up, err = b.UserPolicy(user)
	require.NoError(err)
	require.Equal(authority, up.AuthorityID)
	require.Equal("admin", up.PolicyName)

	ups, err := b.UserPolicies()
	require.NoError(err)
	require.Len(ups, 1)

	require.NoError(b.DeleteUserPolicy(user))
	up, err = b.UserPolicy(user)
	require.NoError(err)
	require.Nil(up)

	require.NoError(b.DeletePolicy("admin"))
	p, err = b.Policy("admin")
	require.NoError(err)
	require.Nil(p)
}
