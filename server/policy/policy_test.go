package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/policy"
	"github.com/katzenpost/relay/server/policy/policytest"
)

var log = logging.MustGetLogger("policy_test")

func id(b byte) identity.ID {
	var ret identity.ID
	ret[0] = b
	return ret
}

func TestMemoryBackend(t *testing.T) {
	policytest.TestBackend(t, policy.NewMemoryBackend())
}

func TestFailClosed(t *testing.T) {
	require := require.New(t)

	root, user := id(1), id(2)
	s := policy.NewStore(root, policy.NewMemoryBackend(), log)
	require.Nil(s.Resolve(user))

	p, err := s.GetUserPolicy(user, user)
	require.NoError(err)
	require.Nil(p)

	require.ErrorIs(s.SetUserPolicy(root, user, "missing"), policy.ErrNoSuchPolicy)

	require.NoError(s.SetPolicy(root, policy.NewPolicy("basic")))
	require.NoError(s.SetUserPolicy(root, user, "basic"))
	require.Equal("basic", s.Resolve(user).Name)

	// Removing the policy leaves the assignment dangling, which fails closed.
	require.NoError(s.RemovePolicy(root, "basic"))
	require.Nil(s.Resolve(user))
}

func TestDefaultPolicy(t *testing.T) {
	require := require.New(t)

	root := id(1)
	s := policy.NewStore(root, policy.NewMemoryBackend(), log, policy.WithDefaultPolicy("default"))
	require.Nil(s.Resolve(id(2)))

	require.NoError(s.SetPolicy(root, policy.NewPolicy("default")))
	require.Equal("default", s.Resolve(id(2)).Name)

	closed := policy.NewPolicy("closed")
	closed.Connection.CanConnect = false
	require.NoError(s.SetPolicy(root, closed))
	require.NoError(s.SetUserPolicy(root, id(3), "closed"))
	require.False(s.Resolve(id(3)).Connection.CanConnect)
}

func TestPermissions(t *testing.T) {
	require := require.New(t)

	root, admin, editor, user, other := id(1), id(2), id(3), id(4), id(5)
	s := policy.NewStore(root, policy.NewMemoryBackend(), log)

	adminPolicy := policy.NewPolicy("admin")
	adminPolicy.Admin.IsAdmin = true
	editorPolicy := policy.NewPolicy("editor")
	editorPolicy.Admin = policy.AdminPolicy{IsAdmin: true, CanEditPolicies: true, CanEditUserPolicies: true}
	require.NoError(s.SetPolicy(root, adminPolicy))
	require.NoError(s.SetPolicy(root, editorPolicy))
	require.NoError(s.SetPolicy(root, policy.NewPolicy("user")))
	require.NoError(s.SetUserPolicy(root, admin, "admin"))
	require.NoError(s.SetUserPolicy(root, editor, "editor"))
	require.NoError(s.SetUserPolicy(root, user, "user"))

	// Plain users may only read their own policy.
	p, err := s.GetUserPolicy(user, user)
	require.NoError(err)
	require.Equal("user", p.Name)
	_, err = s.GetUserPolicy(user, admin)
	require.ErrorIs(err, policy.ErrNotAuthorized)
	_, err = s.GetPolicies(user)
	require.ErrorIs(err, policy.ErrNotAuthorized)
	require.ErrorIs(s.SetPolicy(user, policy.NewPolicy("mine")), policy.ErrNotAuthorized)

	// Unknown users have no permissions at all.
	_, err = s.GetPolicy(other, "user")
	require.ErrorIs(err, policy.ErrNotAuthorized)

	// Admins may read but not edit.
	all, err := s.GetPolicies(admin)
	require.NoError(err)
	require.Len(all, 3)
	ups, err := s.GetUserPolicies(admin)
	require.NoError(err)
	require.Len(ups, 3)
	require.ErrorIs(s.SetPolicy(admin, policy.NewPolicy("x")), policy.ErrNotAuthorized)
	require.ErrorIs(s.SetUserPolicy(admin, other, "user"), policy.ErrNotAuthorized)
	require.ErrorIs(s.RemoveUserPolicy(admin, user), policy.ErrNotAuthorized)

	// Editors may edit.
	require.NoError(s.SetPolicy(editor, policy.NewPolicy("x")))
	require.NoError(s.SetUserPolicy(editor, other, "x"))
	require.Equal("x", s.Resolve(other).Name)
	require.NoError(s.RemoveUserPolicy(editor, other))
	require.Nil(s.Resolve(other))
	require.NoError(s.RemovePolicy(editor, "x"))
	p, err = s.GetPolicy(editor, "x")
	require.NoError(err)
	require.Nil(p)

	require.ErrorIs(s.SetPolicy(root, &policy.Policy{}), policy.ErrInvalidPolicy)
}
