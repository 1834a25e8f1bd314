// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storetest provides a conformance test shared by the message
// store backends.
package storetest

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

const (
	// UserQuota is the per user quota of the recipients.
	UserQuota = 100

	// GlobalQuota is the global budget of the stores under test.
	GlobalQuota = 250
)

var (
	sender = ID(9)
	alice  = ID(1)
	bob    = ID(2)
	carol  = ID(3)
	nobody = ID(4)
)

// ID returns a test identity.
func ID(b byte) identity.ID {
	var ret identity.ID
	ret[0] = b
	return ret
}

// Resolver is a fixed PolicyResolver.
type Resolver map[identity.ID]*policy.Policy

// Resolve implements messagestore.PolicyResolver.
func (r Resolver) Resolve(user identity.ID) *policy.Policy {
	return r[user]
}

// NewQuota returns the quota the conformance test runs under.
func NewQuota() *messagestore.Quota {
	p := policy.NewPolicy("small")
	p.Storage.MaxStoredBytes = UserQuota
	r := Resolver{alice: p, bob: p, carol: p}
	return messagestore.NewQuota(r, GlobalQuota, logging.MustGetLogger("storetest"))
}

// Message returns a body of size bytes filled with fill.
func Message(size int, fill byte) *seal.SignedBytes {
	return &seal.SignedBytes{
		Signature: seal.Signature{
			Algorithm: "Ed25519",
			Bytes:     bytes.Repeat([]byte{0xee}, 64),
		},
		Bytes: bytes.Repeat([]byte{fill}, size),
	}
}

// Opener returns an empty store using quota.
type Opener func(t *testing.T, quota *messagestore.Quota) messagestore.Store

// TestStore runs the conformance test against stores returned by open.
func TestStore(t *testing.T, open Opener) {
	run := func(name string, fn func(*require.Assertions, messagestore.Store)) {
		t.Run(name, func(t *testing.T) {
			s := open(t, NewQuota())
			defer s.Close()
			fn(require.New(t), s)
		})
	}
	run("Ordering", testOrdering)
	run("Replace", testReplace)
	run("UserQuota", testUserQuota)
	run("GlobalQuota", testGlobalQuota)
	run("Rejected", testRejected)
	run("Remove", testRemove)
	run("Age", testAge)
	run("Drain", testDrain)
	run("SharedBody", testSharedBody)
	run("ConcurrentAdd", testConcurrentAdd)
}

func add(require *require.Assertions, s messagestore.Store, to identity.ID, key string, msg *seal.SignedBytes) {
	require.NoError(s.AddMessage(sender, to, []byte(key), []byte("secret-"+key), msg))
}

func keys(require *require.Assertions, s messagestore.Store, to *identity.ID) []string {
	var ret []string
	for m, err := range s.GetMessages(to) {
		require.NoError(err)
		ret = append(ret, string(m.StorageKey))
	}
	return ret
}

func usageOf(require *require.Assertions, s messagestore.Store, id identity.ID) messagestore.Usage {
	usage, err := s.GetUsage()
	require.NoError(err)
	for _, u := range usage {
		if u.ID == id {
			return *u
		}
	}
	return messagestore.Usage{ID: id}
}

func testOrdering(require *require.Assertions, s messagestore.Store) {
	add(require, s, bob, "k1", Message(10, 1))
	add(require, s, bob, "k2", Message(10, 2))
	add(require, s, carol, "k3", Message(10, 3))
	add(require, s, bob, "k4", Message(10, 4))

	require.Equal([]string{"k1", "k2", "k4"}, keys(require, s, &bob))
	require.Equal([]string{"k3"}, keys(require, s, &carol))
	require.Equal([]string{"k1", "k2", "k3", "k4"}, keys(require, s, nil))
	require.Empty(keys(require, s, &alice))

	// Iterating again yields the same sequence.
	require.Equal([]string{"k1", "k2", "k4"}, keys(require, s, &bob))

	for m, err := range s.GetMessages(&carol) {
		require.NoError(err)
		require.Equal(sender, m.From)
		require.Equal(carol, m.To)
		require.Equal([]byte("secret-k3"), m.SecretKey)
		require.Equal(Message(10, 3), m.Message)
		require.False(m.InsertedAt.IsZero())
	}

	usage, err := s.GetUsage()
	require.NoError(err)
	require.Equal([]*messagestore.Usage{
		{ID: bob, MessageCount: 3, ByteCount: 30},
		{ID: carol, MessageCount: 1, ByteCount: 10},
	}, usage)
}

func testReplace(require *require.Assertions, s messagestore.Store) {
	add(require, s, bob, "k1", Message(10, 1))
	add(require, s, bob, "k2", Message(10, 2))
	add(require, s, bob, "k1", Message(20, 3))

	var got []*messagestore.StoredMessage
	for m, err := range s.GetMessages(&bob) {
		require.NoError(err)
		got = append(got, m)
	}
	require.Len(got, 2)
	require.Equal("k2", string(got[0].StorageKey))
	require.Equal("k1", string(got[1].StorageKey))
	require.Equal(Message(20, 3), got[1].Message)
	require.Equal(messagestore.Usage{ID: bob, MessageCount: 2, ByteCount: 30}, usageOf(require, s, bob))

	// The same key for another recipient is a different message.
	add(require, s, carol, "k1", Message(5, 4))
	require.Equal([]string{"k2", "k1"}, keys(require, s, &bob))
	require.Equal([]string{"k1"}, keys(require, s, &carol))
}

func testUserQuota(require *require.Assertions, s messagestore.Store) {
	add(require, s, bob, "k1", Message(60, 1))
	add(require, s, bob, "k2", Message(UserQuota-59, 2))
	require.Equal([]string{"k1"}, keys(require, s, &bob))

	// A replacement is checked without the message it replaces.
	add(require, s, bob, "k1", Message(UserQuota, 3))
	require.Equal(messagestore.Usage{ID: bob, MessageCount: 1, ByteCount: UserQuota}, usageOf(require, s, bob))

	// An oversized replacement leaves the earlier message in place.
	add(require, s, bob, "k1", Message(UserQuota+1, 4))
	for m, err := range s.GetMessages(&bob) {
		require.NoError(err)
		require.Equal(Message(UserQuota, 3), m.Message)
	}
}

func testGlobalQuota(require *require.Assertions, s messagestore.Store) {
	add(require, s, alice, "k1", Message(UserQuota, 1))
	add(require, s, bob, "k2", Message(UserQuota, 2))
	add(require, s, carol, "k3", Message(GlobalQuota-2*UserQuota+1, 3))
	require.Empty(keys(require, s, &carol))

	add(require, s, carol, "k4", Message(GlobalQuota-2*UserQuota, 4))
	require.Equal([]string{"k4"}, keys(require, s, &carol))

	var total int64
	usage, err := s.GetUsage()
	require.NoError(err)
	for _, u := range usage {
		total += u.ByteCount
	}
	require.Equal(int64(GlobalQuota), total)
}

func testRejected(require *require.Assertions, s messagestore.Store) {
	add(require, s, nobody, "k1", Message(1, 1))
	require.Empty(keys(require, s, &nobody))

	err := s.AddMessage(sender, bob, nil, nil, Message(1, 1))
	require.ErrorIs(err, messagestore.ErrNoStorageKey)
	require.Empty(keys(require, s, nil))
}

func testRemove(require *require.Assertions, s messagestore.Store) {
	add(require, s, bob, "k1", Message(10, 1))
	add(require, s, bob, "k2", Message(10, 2))
	add(require, s, carol, "k3", Message(10, 3))

	require.NoError(s.RemoveMessage(&messagestore.Header{From: sender, To: bob, StorageKey: []byte("k1")}))
	require.NoError(s.RemoveMessage(&messagestore.Header{From: sender, To: bob, StorageKey: []byte("missing")}))
	require.Equal([]string{"k2"}, keys(require, s, &bob))

	require.NoError(s.RemoveUserMessages(carol))
	require.Empty(keys(require, s, &carol))
	require.Equal([]string{"k2"}, keys(require, s, nil))

	usage, err := s.GetUsage()
	require.NoError(err)
	require.Equal([]*messagestore.Usage{{ID: bob, MessageCount: 1, ByteCount: 10}}, usage)
}

func testAge(require *require.Assertions, s messagestore.Store) {
	add(require, s, bob, "k1", Message(10, 1))
	add(require, s, carol, "k2", Message(10, 2))
	add(require, s, bob, "k3", Message(10, 3))

	removed, err := s.RemoveMessages(time.Hour, 0)
	require.NoError(err)
	require.Empty(removed)

	removed, err = s.RemoveMessages(0, 2)
	require.NoError(err)
	require.Len(removed, 2)
	require.Equal("k1", string(removed[0].StorageKey))
	require.Equal(bob, removed[0].To)
	require.Equal("k2", string(removed[1].StorageKey))
	require.Equal(carol, removed[1].To)
	require.Equal([]string{"k3"}, keys(require, s, nil))

	removed, err = s.RemoveMessages(0, 0)
	require.NoError(err)
	require.Len(removed, 1)
	require.Empty(keys(require, s, nil))
}

func testDrain(require *require.Assertions, s messagestore.Store) {
	add(require, s, bob, "k1", Message(10, 1))
	add(require, s, bob, "k2", Message(10, 2))

	var seen []string
	for m, err := range s.GetMessages(&bob) {
		require.NoError(err)
		seen = append(seen, string(m.StorageKey))
		require.NoError(s.RemoveMessage(&m.Header))
		if len(seen) == 1 {
			add(require, s, bob, "k3", Message(10, 3))
		}
	}
	require.Equal([]string{"k1", "k2", "k3"}, seen)
	require.Empty(keys(require, s, &bob))
	require.Equal(messagestore.Usage{ID: bob}, usageOf(require, s, bob))
}

func testSharedBody(require *require.Assertions, s messagestore.Store) {
	body := Message(40, 7)
	add(require, s, alice, "k1", body)
	add(require, s, bob, "k1", body)
	add(require, s, carol, "k1", body)

	require.NoError(s.RemoveUserMessages(alice))
	require.NoError(s.RemoveMessage(&messagestore.Header{From: sender, To: bob, StorageKey: []byte("k1")}))

	n := 0
	for m, err := range s.GetMessages(nil) {
		require.NoError(err)
		require.Equal(carol, m.To)
		require.Equal(body, m.Message)
		n++
	}
	require.Equal(1, n)
}

func testConcurrentAdd(require *require.Assertions, s messagestore.Store) {
	const (
		workers = 8
		perUser = 8
		size    = 30
	)
	users := []identity.ID{alice, bob, carol}

	var wg sync.WaitGroup
	errCh := make(chan error, workers*perUser*len(users))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				for _, to := range users {
					key := []byte(fmt.Sprintf("k-%d-%d", w, i))
					errCh <- s.AddMessage(sender, to, key, nil, Message(size, byte(w)))
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(err)
	}

	usage, err := s.GetUsage()
	require.NoError(err)
	var total int64
	for _, u := range usage {
		require.LessOrEqual(u.ByteCount, int64(UserQuota))
		require.Equal(int64(u.MessageCount)*size, u.ByteCount)
		total += u.ByteCount
	}
	require.LessOrEqual(total, int64(GlobalQuota))

	// Usage only grows, so the global budget is as full as the message
	// size allows.
	require.Equal(int64(GlobalQuota/size*size), total)
}
