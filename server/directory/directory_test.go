package directory

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/server/connection"
)

type stubSession struct {
	closed atomic.Bool
}

func (s *stubSession) IsReady() bool               { return !s.closed.Load() }
func (s *stubSession) ReadFrame() ([]byte, error)  { select {} }
func (s *stubSession) WriteFrame([]byte) error     { return nil }
func (s *stubSession) SetDeadline(time.Time) error { return nil }
func (s *stubSession) RemoteAddr() string          { return "stub" }
func (s *stubSession) Close() error                { s.closed.Store(true); return nil }

var log = logging.MustGetLogger("directory_test")

func newConn(t *testing.T) (*connection.Connection, *stubSession) {
	_, pk, err := keys.Generate()
	require.NoError(t, err)
	s := new(stubSession)
	return connection.New(pk, s, log), s
}

func TestAddReplace(t *testing.T) {
	require := require.New(t)

	d := New("relay-a", nil, log)
	c1, _ := newConn(t)

	e, old := d.Add(c1)
	require.Nil(old)
	require.True(e.IsLocal())
	require.Equal(c1, d.Get(c1.ID()).Connection)

	c2 := connection.New(c1.PublicKey(), new(stubSession), log)
	_, old = d.Add(c2)
	require.Equal(c1, old)
	require.Equal(c2, d.Get(c1.ID()).Connection)

	// The superseded connection cannot remove its successor.
	d.RemoveConnection(c1)
	require.Equal(c2, d.Get(c1.ID()).Connection)

	d.RemoveConnection(c2)
	require.Nil(d.Get(c1.ID()))
}

func TestLazyEviction(t *testing.T) {
	require := require.New(t)

	d := New("relay-a", nil, log)
	c, s := newConn(t)
	d.Add(c)
	require.Equal(1, d.Len())

	s.Close()
	require.Nil(d.Get(c.ID()))
	require.Equal(0, d.Len())
}

func TestRemoteEntries(t *testing.T) {
	require := require.New(t)

	table := NewMemoryTable()
	a := New("relay-a", table, log)
	b := New("relay-b", table, log)

	c, _ := newConn(t)
	b.Add(c)

	e := a.Get(c.ID())
	require.NotNil(e)
	require.False(e.IsLocal())
	require.Equal("relay-b", e.Address)

	// An instance never forwards to itself.
	require.True(b.Get(c.ID()).IsLocal())

	// Only the named instance's record is evicted.
	a.RemoveRemote(c.ID(), "relay-c")
	require.NotNil(a.Get(c.ID()))
	a.RemoveRemote(c.ID(), "relay-b")
	require.Nil(a.Get(c.ID()))
}

func TestCloseAll(t *testing.T) {
	require := require.New(t)

	table := NewMemoryTable()
	d := New("relay-a", table, log)
	c1, s1 := newConn(t)
	c2, s2 := newConn(t)
	d.Add(c1)
	d.Add(c2)

	d.CloseAll()
	require.Equal(0, d.Len())
	require.True(s1.closed.Load())
	require.True(s2.closed.Load())
	_, ok, err := table.Get(c1.ID())
	require.NoError(err)
	require.False(ok)
}

type slowDeleteTable struct {
	*MemoryTable
	delay time.Duration
}

func (t *slowDeleteTable) Delete(id identity.ID, address string) error {
	time.Sleep(t.delay)
	return t.MemoryTable.Delete(id, address)
}

func TestReconnectKeepsRemoteRecord(t *testing.T) {
	require := require.New(t)

	table := &slowDeleteTable{MemoryTable: NewMemoryTable(), delay: 50 * time.Millisecond}
	d := New("relay-a", table, log)

	c1, s1 := newConn(t)
	d.Add(c1)
	s1.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.RemoveConnection(c1)
	}()
	// Let the old connection's removal take the local entry first.
	require.Eventually(func() bool { return d.Len() == 0 }, time.Second, time.Millisecond)

	c2 := connection.New(c1.PublicKey(), new(stubSession), log)
	d.Add(c2)
	<-done

	require.Equal(c2, d.Get(c1.ID()).Connection)
	address, ok, err := table.Get(c1.ID())
	require.NoError(err)
	require.True(ok)
	require.Equal("relay-a", address)
}
