package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/messagestore/storetest"
	"github.com/katzenpost/relay/server/policy"
)

var log = logging.MustGetLogger("admin_test")

func id(b byte) identity.ID {
	var ret identity.ID
	ret[0] = b
	return ret
}

func newStores() (*policy.Store, messagestore.Store) {
	policies := policy.NewStore(id(1), policy.NewMemoryBackend(), log)
	quota := messagestore.NewQuota(policies, 0, log)
	return policies, messagestore.NewMemoryStore(quota)
}

func TestExecutePolicies(t *testing.T) {
	require := require.New(t)

	policies, messages := newStores()
	root, operator, user := id(1), id(2), id(3)

	ops := policy.NewPolicy("operator")
	ops.Admin = policy.AdminPolicy{IsAdmin: true, CanEditUserPolicies: true}
	require.IsType(&OK{}, Execute(root, policies, messages, &SetPolicy{Policy: ops}))
	require.IsType(&OK{}, Execute(root, policies, messages, &SetPolicy{Policy: policy.NewPolicy("basic")}))
	require.IsType(&OK{}, Execute(root, policies, messages, &SetUserPolicy{User: operator, Policy: "operator"}))

	// The operator may assign policies but not edit them.
	require.IsType(&OK{}, Execute(operator, policies, messages, &SetUserPolicy{User: user, Policy: "basic"}))
	r := Execute(operator, policies, messages, &SetPolicy{Policy: policy.NewPolicy("evil")})
	require.Equal(&Error{Message: policy.ErrNotAuthorized.Error()}, r)

	r = Execute(operator, policies, messages, &GetUserPolicy{User: user})
	require.IsType(&PolicyResult{}, r)
	require.Equal("basic", r.(*PolicyResult).Policy.Name)

	// Users may read their own policy but nothing else.
	r = Execute(user, policies, messages, &GetUserPolicy{User: user})
	require.Equal("basic", r.(*PolicyResult).Policy.Name)
	require.IsType(&Error{}, Execute(user, policies, messages, &ListPolicies{}))
	require.IsType(&Error{}, Execute(user, policies, messages, &GetMessageUsage{}))

	r = Execute(operator, policies, messages, &ListPolicies{})
	require.Len(r.(*PolicyList).Policies, 2)
	r = Execute(operator, policies, messages, &ListUserPolicies{})
	require.Len(r.(*UserPolicyList).UserPolicies, 2)

	r = Execute(root, policies, messages, &GetPolicy{PolicyName: "missing"})
	require.Equal(&PolicyResult{}, r)

	require.IsType(&OK{}, Execute(operator, policies, messages, &RemoveUserPolicy{User: user}))
	require.IsType(&OK{}, Execute(root, policies, messages, &RemovePolicy{PolicyName: "basic"}))
	r = Execute(root, policies, messages, &GetUserPolicy{User: user})
	require.Nil(r.(*PolicyResult).Policy)

	require.IsType(&Error{}, Execute(root, policies, messages, &SetPolicy{}))
}

func TestExecuteMessages(t *testing.T) {
	require := require.New(t)

	policies, messages := newStores()
	root, alice, bob := id(1), id(2), id(3)
	require.NoError(policies.SetPolicy(root, policy.NewPolicy("basic")))
	require.NoError(policies.SetUserPolicy(root, alice, "basic"))
	require.NoError(policies.SetUserPolicy(root, bob, "basic"))

	require.NoError(messages.AddMessage(root, alice, []byte("k1"), nil, storetest.Message(10, 1)))
	require.NoError(messages.AddMessage(root, bob, []byte("k2"), nil, storetest.Message(20, 2)))
	require.NoError(messages.AddMessage(root, bob, []byte("k3"), nil, storetest.Message(30, 3)))

	r := Execute(root, policies, messages, &GetMessageUsage{})
	require.Equal(&UsageList{Usage: []*messagestore.Usage{
		{ID: alice, MessageCount: 1, ByteCount: 10},
		{ID: bob, MessageCount: 2, ByteCount: 50},
	}}, r)

	require.IsType(&OK{}, Execute(root, policies, messages, &RemoveUserMessages{User: alice}))

	r = Execute(root, policies, messages, &RemoveMessagesByAge{MaxAge: time.Hour})
	require.Empty(r.(*RemovedMessages).Headers)
	r = Execute(root, policies, messages, &RemoveMessagesByAge{Limit: 1})
	require.Len(r.(*RemovedMessages).Headers, 1)
	require.Equal("k2", string(r.(*RemovedMessages).Headers[0].StorageKey))

	require.IsType(&Error{}, Execute(root, policies, messages, &RemoveMessagesByAge{MaxAge: -time.Second}))
	require.IsType(&Error{}, Execute(alice, policies, messages, &RemoveUserMessages{User: bob}))

	r = Execute(root, policies, messages, &GetMessageUsage{})
	require.Equal(&UsageList{Usage: []*messagestore.Usage{{ID: bob, MessageCount: 1, ByteCount: 30}}}, r)
}

func TestCodec(t *testing.T) {
	require := require.New(t)

	line, err := FormatCommand(&SetUserPolicy{User: id(3), Policy: "basic"})
	require.NoError(err)
	require.Contains(line, "SET_USER_POLICY {")

	cmd, err := ParseCommand("set_user_policy", []byte(line[len("SET_USER_POLICY "):]))
	require.NoError(err)
	require.Equal(&SetUserPolicy{User: id(3), Policy: "basic"}, cmd)

	cmd, err = ParseCommand("LIST_POLICIES", nil)
	require.NoError(err)
	require.Equal(&ListPolicies{}, cmd)

	_, err = ParseCommand("FROB", nil)
	require.ErrorIs(err, ErrUnknownCommand)
	_, err = ParseCommand("GET_POLICY", []byte(`{"Nmae":"x"}`))
	require.Error(err)

	cmd, err = ParseCommand("GET_POLICY", []byte(`{"Name":"basic"}`))
	require.NoError(err)
	require.Equal(&GetPolicy{PolicyName: "basic"}, cmd)
	line, err = FormatCommand(&RemovePolicy{PolicyName: "basic"})
	require.NoError(err)
	require.Equal(`REMOVE_POLICY {"Name":"basic"}`, line)

	for _, cmd := range Commands() {
		c, err := NewCommand(cmd.Name())
		require.NoError(err)
		require.IsType(cmd, c)
	}

	b, err := MarshalResponse(&UsageList{Usage: []*messagestore.Usage{{ID: id(2), MessageCount: 1, ByteCount: 10}}})
	require.NoError(err)
	require.NotContains(string(b), "\n")
	r, err := UnmarshalResponse(b)
	require.NoError(err)
	require.Equal(&UsageList{Usage: []*messagestore.Usage{{ID: id(2), MessageCount: 1, ByteCount: 10}}}, r)

	_, err = UnmarshalResponse([]byte(`{"Type":"Bogus","Body":{}}`))
	require.Error(err)
}
