package sqldb

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/log"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/messagestore/storetest"
	"github.com/katzenpost/relay/server/policy/policytest"
)

const dsnEnv = "RELAY_TEST_PGX_DSN"

// newTestDB connects to the database named by RELAY_TEST_PGX_DSN and
// empties the relay tables.
func newTestDB(t *testing.T) *SQLDB {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	logBackend, err := log.New("", "ERROR", false)
	require.NoError(t, err)
	db, err := New(implPgx, dsn, 0, logBackend)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.impl.(*pgxImpl).pool.Exec("TRUNCATE relay_messages, relay_blobs, relay_policies, relay_user_policies, relay_connections")
	require.NoError(t, err)
	return db
}

func TestPgxPolicyBackend(t *testing.T) {
	db := newTestDB(t)
	policytest.TestBackend(t, db.PolicyBackend())
}

func TestPgxMessageStore(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T, q *messagestore.Quota) messagestore.Store {
		return newTestDB(t).MessageStore(q)
	})
}

func TestPgxRemoteTable(t *testing.T) {
	require := require.New(t)

	table := newTestDB(t).RemoteTable()
	var id identity.ID
	id[0] = 1

	_, ok, err := table.Get(id)
	require.NoError(err)
	require.False(ok)

	require.NoError(table.Put(id, "http://a.example"))
	require.NoError(table.Put(id, "http://b.example"))
	addr, ok, err := table.Get(id)
	require.NoError(err)
	require.True(ok)
	require.Equal("http://b.example", addr)

	// Deleting a stale address leaves the newer record.
	require.NoError(table.Delete(id, "http://a.example"))
	_, ok, err = table.Get(id)
	require.NoError(err)
	require.True(ok)

	require.NoError(table.Delete(id, "http://b.example"))
	_, ok, err = table.Get(id)
	require.NoError(err)
	require.False(ok)
}
