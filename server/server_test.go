// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/sign"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relay/client"
	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/crypto/seal"
	"github.com/katzenpost/relay/core/envelope"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/thwack"
	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/core/wire/commands"
	"github.com/katzenpost/relay/server/admin"
	"github.com/katzenpost/relay/server/config"
	"github.com/katzenpost/relay/server/directory"
	"github.com/katzenpost/relay/server/policy"
)

const testTimeout = 10 * time.Second

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: &config.Server{
			Identifier:  "relay.example.org",
			Addresses:   []string{"tcp://127.0.0.1:0"},
			HTTPAddress: "127.0.0.1:0",
			DataDir:     filepath.Join(t.TempDir(), "data"),
		},
		Logging:   &config.Logging{Disable: true, Level: "DEBUG"},
		PolicyDB:  &config.PolicyDB{Backend: config.BackendMemory, DefaultPolicy: "user"},
		MessageDB: &config.MessageDB{Backend: config.BackendMemory},
		Policy: []*config.Policy{
			{Name: "user", CanConnect: true, MaxPayloadSize: 4096},
		},
	}
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	require := require.New(t)
	require.NoError(cfg.FixupAndValidate())
	s, err := New(cfg, opts...)
	require.NoError(err)
	t.Cleanup(s.Shutdown)
	return s
}

func newUser(t *testing.T) (sign.PrivateKey, sign.PublicKey) {
	sk, pk, err := keys.Generate()
	require.NoError(t, err)
	return sk, pk
}

func connect(t *testing.T, url string, sk sign.PrivateKey) *client.Client {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := client.Dial(ctx, &client.Config{URL: url, IdentityKey: sk})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// online connects and consumes the empty queue notification.
func online(t *testing.T, url string, sk sign.PrivateKey) *client.Client {
	c := connect(t, url, sk)
	expectControl(t, c, commands.ControlNoPendingMessages)
	return c
}

func receive(t *testing.T, c *client.Client) *client.Message {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	m, err := c.Receive(ctx)
	require.NoError(t, err)
	return m
}

func expectControl(t *testing.T, c *client.Client, typ commands.ControlType) {
	m := receive(t, c)
	require.NotNil(t, m.Control, "expected a control message")
	require.Equal(t, typ, m.Control.Type)
}

func expectMessage(t *testing.T, c *client.Client, from sign.PublicKey, body []byte) {
	m := receive(t, c)
	require.Nil(t, m.Control, "unexpected control message")
	require.Equal(t, keys.PublicKeyBytes(from), keys.PublicKeyBytes(m.From))
	require.Equal(t, body, m.Body)
}

func expectNothing(t *testing.T, c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err := c.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func storedFor(s *Server, pk sign.PublicKey) int {
	id := identity.FromPublicKey(pk)
	n := 0
	for _, err := range s.Messages().GetMessages(&id) {
		if err != nil {
			return -1
		}
		n++
	}
	return n
}

func waitOffline(t *testing.T, s *Server, pk sign.PublicKey) {
	id := identity.FromPublicKey(pk)
	require.Eventually(t, func() bool {
		return s.Directory().Get(id) == nil
	}, testTimeout, 10*time.Millisecond)
}

func TestAuthenticate(t *testing.T) {
	require := require.New(t)
	s := startServer(t, testConfig(t))
	aliceKey, alicePk := newUser(t)

	for _, url := range append(s.Addresses(), s.WebSocketURL()) {
		c := online(t, url, aliceKey)
		require.Equal(keys.PublicKeyBytes(s.IdentityKey()), keys.PublicKeyBytes(c.ServerKey()))
		require.NotNil(s.Directory().Get(identity.FromPublicKey(alicePk)))
		c.Close()
		waitOffline(t, s, alicePk)
	}
}

func TestNotAuthorized(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t)
	cfg.PolicyDB.DefaultPolicy = ""
	s := startServer(t, cfg)
	malloryKey, malloryPk := newUser(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := client.Dial(ctx, &client.Config{URL: s.Addresses()[0], IdentityKey: malloryKey})
	var authErr *client.AuthenticationError
	require.ErrorAs(err, &authErr)
	require.Equal(commands.StatusNotAuthorized, authErr.Status)
	require.Nil(s.Directory().Get(identity.FromPublicKey(malloryPk)))

	// A policy that denies connections is no better.
	root := s.Policies().Root()
	denied := policy.NewPolicy("denied")
	denied.Connection.CanConnect = false
	require.NoError(s.Policies().SetPolicy(root, denied))
	require.NoError(s.Policies().SetUserPolicy(root, identity.FromPublicKey(malloryPk), "denied"))
	_, err = client.Dial(ctx, &client.Config{URL: s.Addresses()[0], IdentityKey: malloryKey})
	require.ErrorAs(err, &authErr)
	require.Equal(commands.StatusNotAuthorized, authErr.Status)
}

type rawSession struct {
	t    *testing.T
	sess transport.Session
}

func dialRaw(t *testing.T, s *Server) *rawSession {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sess, err := transport.Dial(ctx, s.Addresses()[0], &transport.Options{MaxFrameSize: wire.DefaultMaxFrameSize})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	sess.SetDeadline(time.Now().Add(testTimeout))
	return &rawSession{t: t, sess: sess}
}

func (r *rawSession) read(v interface{}) {
	b, err := r.sess.ReadFrame()
	require.NoError(r.t, err)
	require.NoError(r.t, commands.Unmarshal(b, v))
}

func (r *rawSession) write(b []byte) {
	require.NoError(r.t, r.sess.WriteFrame(b))
}

func (r *rawSession) sealed(pk sign.PublicKey, v interface{}) []byte {
	ct, err := seal.Seal(pk, commands.Marshal(v))
	require.NoError(r.t, err)
	return wire.MustMarshal(ct)
}

// serverKey reads the relay identity and completes the client's challenge.
func (r *rawSession) serverKey() sign.PublicKey {
	serverIdentity := new(commands.IdentityMessage)
	r.read(serverIdentity)
	serverPk, err := keys.UnmarshalPublicKey(serverIdentity.PublicKey)
	require.NoError(r.t, err)
	r.write(commands.Marshal(&commands.ChallengeMessage{Algorithm: keys.DefaultAlgorithm, Challenge: make([]byte, 32)}))
	r.read(new(commands.ChallengeResponse))
	return serverPk
}

func (r *rawSession) expectResult(status commands.AuthenticationStatus) {
	result := new(commands.AuthenticationResult)
	r.read(result)
	require.Equal(r.t, status, result.Status)
}

func TestFailedChallenge(t *testing.T) {
	require := require.New(t)
	s := startServer(t, testConfig(t))
	_, alicePk := newUser(t)
	malloryKey, _ := newUser(t)

	r := dialRaw(t, s)
	serverPk := r.serverKey()

	// Claim to be alice, but sign the challenge with another key.
	r.write(r.sealed(serverPk, &commands.IdentityMessage{PublicKey: keys.PublicKeyBytes(alicePk)}))
	challenge := new(commands.ChallengeMessage)
	r.read(challenge)
	forged := seal.Sign(malloryKey, commands.ChallengeBytes(challenge.Challenge))
	r.write(r.sealed(serverPk, &commands.ChallengeResponse{Signature: forged.Signature}))

	r.expectResult(commands.StatusFailedChallenge)
	require.Nil(s.Directory().Get(identity.FromPublicKey(alicePk)))
}

func TestHandshakeRejections(t *testing.T) {
	s := startServer(t, testConfig(t))

	t.Run("Algorithm", func(t *testing.T) {
		r := dialRaw(t, s)
		r.read(new(commands.IdentityMessage))
		r.write(commands.Marshal(&commands.ChallengeMessage{Algorithm: "RSA", Challenge: make([]byte, 32)}))
		r.expectResult(commands.StatusFailedChallenge)
	})

	t.Run("UndecodableIdentity", func(t *testing.T) {
		r := dialRaw(t, s)
		r.serverKey()
		r.write([]byte("not an identity"))
		r.expectResult(commands.StatusFailedChallenge)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		r := dialRaw(t, s)
		serverPk := r.serverKey()
		r.write(r.sealed(serverPk, &commands.IdentityMessage{PublicKey: []byte{1, 2, 3}}))
		r.expectResult(commands.StatusFailedChallenge)
	})
}

func TestServerProof(t *testing.T) {
	require := require.New(t)
	s := startServer(t, testConfig(t))
	aliceKey, _ := newUser(t)
	_, otherPk := newUser(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := client.Dial(ctx, &client.Config{URL: s.Addresses()[0], IdentityKey: aliceKey, ServerKey: otherPk})
	require.ErrorIs(err, client.ErrServerKeyMismatch)
}

func TestDelivery(t *testing.T) {
	require := require.New(t)
	s := startServer(t, testConfig(t))
	url := s.Addresses()[0]
	aliceKey, alicePk := newUser(t)
	bobKey, bobPk := newUser(t)
	carolKey, carolPk := newUser(t)

	alice := online(t, url, aliceKey)
	bob := online(t, url, bobKey)

	// Live delivery, ephemeral and storable alike.
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, nil, []byte("hello bob")))
	expectMessage(t, bob, alicePk, []byte("hello bob"))
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, envelope.UniqueStorageKey(), []byte("again")))
	expectMessage(t, bob, alicePk, []byte("again"))
	require.Equal(0, storedFor(s, bobPk))

	// One online and one offline recipient.
	require.NoError(alice.Send([]sign.PublicKey{bobPk, carolPk}, envelope.UniqueStorageKey(), []byte("both")))
	expectMessage(t, bob, alicePk, []byte("both"))
	require.Eventually(func() bool { return storedFor(s, carolPk) == 1 }, testTimeout, 10*time.Millisecond)

	// Senders do not receive their own messages.
	require.NoError(alice.Send([]sign.PublicKey{alicePk}, envelope.UniqueStorageKey(), []byte("self")))
	expectNothing(t, alice)
	require.Equal(0, storedFor(s, alicePk))

	carol := connect(t, url, carolKey)
	expectMessage(t, carol, alicePk, []byte("both"))
	expectControl(t, carol, commands.ControlNoPendingMessages)
	require.Equal(0, storedFor(s, carolPk))
}

func TestStorage(t *testing.T) {
	require := require.New(t)
	s := startServer(t, testConfig(t))
	url := s.Addresses()[0]
	aliceKey, alicePk := newUser(t)
	bobKey, bobPk := newUser(t)

	alice := online(t, url, aliceKey)

	// Ephemeral messages to offline users are dropped.
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, nil, []byte("gone")))

	// Storable messages are held, the newest replacing older ones sent
	// under the same key.
	status := envelope.UniqueStorageKey()
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, []byte("first"), []byte("1")))
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, status, []byte("away")))
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, []byte("third"), []byte("3")))
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, status, []byte("back soon")))
	require.Eventually(func() bool { return storedFor(s, bobPk) == 3 }, testTimeout, 10*time.Millisecond)

	// Stored messages drain oldest first, before anything sent live.
	bob := connect(t, url, bobKey)
	require.NoError(alice.Send([]sign.PublicKey{bobPk}, nil, []byte("live")))
	expectMessage(t, bob, alicePk, []byte("1"))
	expectMessage(t, bob, alicePk, []byte("3"))
	expectMessage(t, bob, alicePk, []byte("back soon"))
	expectControl(t, bob, commands.ControlNoPendingMessages)
	expectMessage(t, bob, alicePk, []byte("live"))
	require.Equal(0, storedFor(s, bobPk))

	// Reconnecting finds an empty queue.
	bob.Close()
	waitOffline(t, s, bobPk)
	bob = online(t, url, bobKey)
	expectNothing(t, bob)
}

func TestSupersede(t *testing.T) {
	require := require.New(t)
	s := startServer(t, testConfig(t))
	url := s.Addresses()[0]
	aliceKey, alicePk := newUser(t)
	bobKey, bobPk := newUser(t)

	alice := online(t, url, aliceKey)
	first := online(t, url, bobKey)
	second := online(t, url, bobKey)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := first.Receive(ctx)
	require.ErrorIs(err, client.ErrClosed)

	require.NoError(alice.Send([]sign.PublicKey{bobPk}, nil, []byte("to the newest")))
	expectMessage(t, second, alicePk, []byte("to the newest"))
}

func TestPayloadTooLarge(t *testing.T) {
	require := require.New(t)
	s := startServer(t, testConfig(t))
	url := s.Addresses()[0]
	aliceKey, _ := newUser(t)
	bobKey, bobPk := newUser(t)

	alice := online(t, url, aliceKey)
	bob := online(t, url, bobKey)

	require.NoError(alice.Send([]sign.PublicKey{bobPk}, envelope.UniqueStorageKey(), make([]byte, 8192)))
	expectControl(t, alice, commands.ControlPayloadTooLarge)
	expectNothing(t, bob)
	require.Equal(0, storedFor(s, bobPk))
}

func TestMesh(t *testing.T) {
	require := require.New(t)
	relayKey, relayPk := newUser(t)
	table := directory.NewMemoryTable()
	s1 := startServer(t, testConfig(t), WithIdentityKey(relayKey, relayPk), WithRemoteTable(table))
	s2 := startServer(t, testConfig(t), WithIdentityKey(relayKey, relayPk), WithRemoteTable(table))
	require.NotEqual(s1.MeshAddress(), s2.MeshAddress())

	aliceKey, alicePk := newUser(t)
	bobKey, bobPk := newUser(t)
	alice := online(t, s1.Addresses()[0], aliceKey)
	bob := online(t, s2.Addresses()[0], bobKey)

	address, ok, err := table.Get(identity.FromPublicKey(bobPk))
	require.NoError(err)
	require.True(ok)
	require.Equal(s2.MeshAddress(), address)

	require.NoError(alice.Send([]sign.PublicKey{bobPk}, nil, []byte("across the mesh")))
	expectMessage(t, bob, alicePk, []byte("across the mesh"))
	require.NoError(bob.Send([]sign.PublicKey{alicePk}, nil, []byte("and back")))
	expectMessage(t, alice, bobPk, []byte("and back"))

	// A record naming an instance that is down is evicted, and the message
	// stored locally.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	dead := "http://" + l.Addr().String()
	l.Close()
	_, carolPk := newUser(t)
	carolID := identity.FromPublicKey(carolPk)
	require.NoError(table.Put(carolID, dead))

	require.NoError(alice.Send([]sign.PublicKey{carolPk}, envelope.UniqueStorageKey(), []byte("for carol")))
	require.Eventually(func() bool { return storedFor(s1, carolPk) == 1 }, testTimeout, 10*time.Millisecond)
	_, ok, err = table.Get(carolID)
	require.NoError(err)
	require.False(ok)

	// Disconnecting removes the record.
	bob.Close()
	waitOffline(t, s2, bobPk)
	_, ok, err = table.Get(identity.FromPublicKey(bobPk))
	require.NoError(err)
	require.False(ok)
}

func TestForwardEndpoint(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t)
	cfg.Debug = &config.Debug{MaxFrameSize: 64 * 1024}
	s := startServer(t, cfg)
	_, alicePk := newUser(t)

	post := func(path string, body []byte) int {
		resp, err := http.Post(s.MeshAddress()+path, "application/octet-stream", bytes.NewReader(body))
		require.NoError(err)
		resp.Body.Close()
		return resp.StatusCode
	}

	from := "/forward/" + keys.PublicKeyString(alicePk)
	require.Equal(http.StatusBadRequest, post("/forward/not-a-key", []byte("x")))
	require.Equal(http.StatusBadRequest, post(from, []byte("not an envelope")))
	require.Equal(http.StatusRequestEntityTooLarge, post(from, make([]byte, 128*1024)))

	// Envelopes must be signed by the relay key, not the sender's.
	aliceKey, alicePk := newUser(t)
	_, bobPk := newUser(t)
	b, err := envelope.Encode(aliceKey, s.IdentityKey(), []sign.PublicKey{bobPk}, envelope.UniqueStorageKey(), []byte("forged"))
	require.NoError(err)
	from = "/forward/" + keys.PublicKeyString(alicePk)
	require.Equal(http.StatusBadRequest, post(from, b))

	resp, err := http.Get(s.MeshAddress() + "/health")
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
}

func TestManagement(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t)
	cfg.Management = &config.Management{Enable: true}
	s := startServer(t, cfg)

	c, err := thwack.Dial("unix", cfg.Management.Path)
	require.NoError(err)
	defer c.Close()

	command := func(cmd admin.Command) admin.Response {
		l, err := admin.FormatCommand(cmd)
		require.NoError(err)
		status, lines, err := c.Command(l)
		require.NoError(err)
		require.Len(lines, 1)
		resp, err := admin.UnmarshalResponse([]byte(lines[0]))
		require.NoError(err)
		if _, ok := resp.(*admin.Error); ok {
			require.Equal(thwack.StatusTransactionFailed, status)
		} else {
			require.Equal(thwack.StatusOk, status)
		}
		return resp
	}

	resp := command(&admin.ListPolicies{})
	list, ok := resp.(*admin.PolicyList)
	require.True(ok)
	require.Len(list.Policies, 1)
	require.Equal("user", list.Policies[0].Name)

	resp = command(&admin.SetPolicy{})
	require.IsType(&admin.Error{}, resp)

	status, _, err := c.Command("GET_POLICY {not json")
	require.NoError(err)
	require.Equal(thwack.StatusSyntaxError, status)

	status, _, err = c.Command("SHUTDOWN")
	require.NoError(err)
	require.Equal(thwack.StatusOk, status)
	waitCh := make(chan struct{})
	go func() {
		s.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(testTimeout):
		t.Fatal("server did not shut down")
	}
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t)
	cfg.Debug = &config.Debug{GenerateOnly: true}
	require.NoError(cfg.FixupAndValidate())

	_, err := New(cfg)
	require.True(errors.Is(err, ErrGenerateOnly))
	_, err = os.Stat(filepath.Join(cfg.Server.DataDir, identityPrivateKeyFile))
	require.NoError(err)
	pk, err := keys.LoadPublicKeyFile(filepath.Join(cfg.Server.DataDir, identityPublicKeyFile))
	require.NoError(err)

	// The next start reuses the key.
	cfg.Debug.GenerateOnly = false
	s := startServer(t, cfg)
	require.Equal(keys.PublicKeyBytes(pk), keys.PublicKeyBytes(s.IdentityKey()))
}

func TestDataDirPermissions(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t)
	require.NoError(os.MkdirAll(cfg.Server.DataDir, 0755))
	require.NoError(os.Chmod(cfg.Server.DataDir, 0755))
	require.NoError(cfg.FixupAndValidate())
	_, err := New(cfg)
	require.ErrorContains(err, "invalid permissions")

	cfg = testConfig(t)
	startServer(t, cfg)
	fi, err := os.Stat(cfg.Server.DataDir)
	require.NoError(err)
	require.Equal(os.FileMode(0700), fi.Mode().Perm())
}
