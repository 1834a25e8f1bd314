// pgx.go - Postgresql database support.
// Copyright (C) 2018  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package sqldb

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/server/directory"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

const (
	implPgx = "pgx"

	pgxSchemaVersion = 0

	// storeLockID is the advisory lock serializing quota checks across
	// every instance sharing the database.
	storeLockID = 0x72656c6179

	pgCodeNoDataFound = "P0002" // `no_data_found`
)

var pgxSchema = []string{
	`CREATE TABLE IF NOT EXISTS relay_metadata (
		schema_version smallint NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_policies (
		name text PRIMARY KEY,
		can_connect boolean NOT NULL,
		max_payload_size bigint NOT NULL,
		max_stored_bytes bigint NOT NULL,
		is_admin boolean NOT NULL,
		can_edit_policies boolean NOT NULL,
		can_edit_user_policies boolean NOT NULL,
		edit_time bigint NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_user_policies (
		user_id bytea PRIMARY KEY,
		authority_id bytea NOT NULL,
		policy_name text NOT NULL,
		edit_time bigint NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_blobs (
		hash bytea PRIMARY KEY,
		refs bigint NOT NULL,
		message bytea NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_messages (
		seq bigserial PRIMARY KEY,
		to_id bytea NOT NULL,
		from_id bytea NOT NULL,
		storage_key bytea NOT NULL,
		secret_key bytea,
		blob bytea NOT NULL REFERENCES relay_blobs (hash),
		size bigint NOT NULL,
		inserted_at bigint NOT NULL,
		UNIQUE (to_id, storage_key)
	)`,
	`CREATE INDEX IF NOT EXISTS relay_messages_to_seq ON relay_messages (to_id, seq)`,
	`CREATE TABLE IF NOT EXISTS relay_connections (
		id bytea PRIMARY KEY,
		address text NOT NULL,
		updated_at bigint NOT NULL
	)`,
}

var pgxStatements = []struct {
	tag, query string
}{
	{pgxTagPolicyPut, "INSERT INTO relay_policies (" + policyColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) " +
		"ON CONFLICT (name) DO UPDATE SET can_connect = EXCLUDED.can_connect, max_payload_size = EXCLUDED.max_payload_size, " +
		"max_stored_bytes = EXCLUDED.max_stored_bytes, is_admin = EXCLUDED.is_admin, can_edit_policies = EXCLUDED.can_edit_policies, " +
		"can_edit_user_policies = EXCLUDED.can_edit_user_policies, edit_time = EXCLUDED.edit_time;"},
	{pgxTagPolicyGet, "SELECT " + policyColumns + " FROM relay_policies WHERE name = $1;"},
	{pgxTagPolicyList, "SELECT " + policyColumns + ` FROM relay_policies ORDER BY name COLLATE "C";`},
	{pgxTagPolicyDelete, "DELETE FROM relay_policies WHERE name = $1;"},
	{pgxTagUserPolicyPut, "INSERT INTO relay_user_policies (" + userPolicyColumns + ") VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (user_id) DO UPDATE SET authority_id = EXCLUDED.authority_id, policy_name = EXCLUDED.policy_name, edit_time = EXCLUDED.edit_time;"},
	{pgxTagUserPolicyGet, "SELECT " + userPolicyColumns + " FROM relay_user_policies WHERE user_id = $1;"},
	{pgxTagUserPolicyList, "SELECT " + userPolicyColumns + " FROM relay_user_policies ORDER BY user_id;"},
	{pgxTagUserPolicyDelete, "DELETE FROM relay_user_policies WHERE user_id = $1;"},

	{pgxTagStoreLock, "SELECT pg_advisory_xact_lock($1);"},
	{pgxTagMessageGetByKey, "SELECT seq, size, blob FROM relay_messages WHERE to_id = $1 AND storage_key = $2;"},
	{pgxTagMessageUserBytes, "SELECT COALESCE(SUM(size), 0)::bigint FROM relay_messages WHERE to_id = $1;"},
	{pgxTagMessageTotalBytes, "SELECT COALESCE(SUM(size), 0)::bigint FROM relay_messages;"},
	{pgxTagBlobRef, "INSERT INTO relay_blobs (hash, refs, message) VALUES ($1, 1, $2) ON CONFLICT (hash) DO UPDATE SET refs = relay_blobs.refs + 1;"},
	{pgxTagBlobUnref, "UPDATE relay_blobs SET refs = refs - 1 WHERE hash = $1;"},
	{pgxTagBlobCollect, "DELETE FROM relay_blobs WHERE hash = $1 AND refs <= 0;"},
	{pgxTagMessageInsert, "INSERT INTO relay_messages (to_id, from_id, storage_key, secret_key, blob, size, inserted_at) VALUES ($1, $2, $3, $4, $5, $6, $7);"},
	{pgxTagMessageNextUser, "SELECT " + messageColumns + " FROM relay_messages m JOIN relay_blobs b ON b.hash = m.blob WHERE m.to_id = $1 AND m.seq > $2 ORDER BY m.seq LIMIT 1;"},
	{pgxTagMessageNextAll, "SELECT " + messageColumns + " FROM relay_messages m JOIN relay_blobs b ON b.hash = m.blob WHERE m.seq > $1 ORDER BY m.seq LIMIT 1;"},
	{pgxTagMessageDeleteSeq, "DELETE FROM relay_messages WHERE seq = $1 RETURNING blob;"},
	{pgxTagMessageDeleteByKey, "DELETE FROM relay_messages WHERE to_id = $1 AND storage_key = $2 RETURNING blob;"},
	{pgxTagMessageDeleteUser, "DELETE FROM relay_messages WHERE to_id = $1 RETURNING blob;"},
	{pgxTagMessageExpired, "SELECT seq, from_id, to_id, storage_key FROM relay_messages WHERE inserted_at <= $1 ORDER BY seq LIMIT $2;"},
	{pgxTagMessageUsage, "SELECT to_id, COUNT(*), COALESCE(SUM(size), 0)::bigint FROM relay_messages GROUP BY to_id ORDER BY to_id;"},

	{pgxTagConnectionPut, "INSERT INTO relay_connections (id, address, updated_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT (id) DO UPDATE SET address = EXCLUDED.address, updated_at = EXCLUDED.updated_at;"},
	{pgxTagConnectionGet, "SELECT address FROM relay_connections WHERE id = $1;"},
	{pgxTagConnectionDelete, "DELETE FROM relay_connections WHERE id = $1 AND address = $2;"},
}

type pgxImpl struct {
	d *SQLDB

	pool *pgx.ConnPool
}

func (p *pgxImpl) PolicyBackend() policy.Backend {
	return newPgxPolicy(p)
}

func (p *pgxImpl) MessageStore(quota *messagestore.Quota) messagestore.Store {
	return newPgxMessageStore(p, quota)
}

func (p *pgxImpl) RemoteTable() directory.RemoteTable {
	return newPgxRemoteTable(p)
}

func (p *pgxImpl) Close() {
	p.pool.Close()
}

func (p *pgxImpl) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		p.d.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.d.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.d.log.Warning(mStr)
	case pgx.LogLevelError:
		p.d.log.Error(mStr)
	}
}

func (p *pgxImpl) initSchema() error {
	tx, err := p.pool.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range pgxSchema {
		if _, err = tx.Exec(stmt); err != nil {
			return fmt.Errorf("sql/pgx: schema creation failed: %v", err)
		}
	}

	var schemaVersion int16
	err = tx.QueryRow("SELECT schema_version FROM relay_metadata").Scan(&schemaVersion)
	switch {
	case err == pgx.ErrNoRows:
		if _, err = tx.Exec("INSERT INTO relay_metadata (schema_version) VALUES ($1)", int16(pgxSchemaVersion)); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("sql/pgx: metadata query failed: %v", err)
	case schemaVersion != pgxSchemaVersion:
		return fmt.Errorf("sql/pgx: invalid schema version: %v", schemaVersion)
	}
	return tx.Commit()
}

func (p *pgxImpl) initStatements() error {
	for _, v := range pgxStatements {
		if _, err := p.pool.Prepare(v.tag, v.query); err != nil {
			p.d.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}
	return nil
}

func newPgxImpl(db *SQLDB, dataSourceName string, numConns int, level logging.Level) (dbImpl, error) {
	// The pgx connection pool code requires at least 2 conns, and internally
	// will default to 5 if unspecified.
	if numConns < 5 {
		numConns = 5
	}

	p := &pgxImpl{
		d: db,
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(level)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: numConns,
	}

	isOk := false
	defer func() {
		if !isOk {
			if p.pool != nil {
				p.pool.Close()
			}
		}
	}()

	if p.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = p.initSchema(); err != nil {
		return nil, err
	}
	if err = p.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return p, nil
}

func toPgxLogLevel(level logging.Level) pgx.LogLevel {
	switch level {
	case logging.CRITICAL, logging.ERROR:
		return pgx.LogLevelError
	case logging.WARNING, logging.NOTICE, logging.INFO:
		// pgx.LogLevelInfo logs query arguments, which include user
		// identities, so don't expose that unless debugging is enabled.
		return pgx.LogLevelWarn
	default:
		return pgx.LogLevelDebug
	}
}

func isPgNoDataFound(err error) bool {
	if pgxErr, ok := err.(pgx.PgError); ok {
		if pgxErr.Code == pgCodeNoDataFound {
			return true
		}
	}
	if err == pgx.ErrNoRows { // Treat ErrNoRows as `no_data_found`.
		return true
	}
	return false
}
