// sqldb.go - Relay SQL database integration.
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

// Package sqldb interfaces the relay with a SQL database shared by the
// instances of a relay mesh.
package sqldb

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/log"
	"github.com/katzenpost/relay/server/directory"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

type dbImpl interface {
	PolicyBackend() policy.Backend
	MessageStore(*messagestore.Quota) messagestore.Store
	RemoteTable() directory.RemoteTable
	Close()
}

// SQLDB is a SQL database instance.
type SQLDB struct {
	log *logging.Logger

	impl dbImpl
}

// PolicyBackend returns a policy.Backend backed by the SQL database.
func (d *SQLDB) PolicyBackend() policy.Backend {
	return d.impl.PolicyBackend()
}

// MessageStore returns a messagestore.Store backed by the SQL database.
func (d *SQLDB) MessageStore(quota *messagestore.Quota) messagestore.Store {
	return d.impl.MessageStore(quota)
}

// RemoteTable returns the mesh connection table.
func (d *SQLDB) RemoteTable() directory.RemoteTable {
	return d.impl.RemoteTable()
}

// Close closes the SQL database connection(s).
func (d *SQLDB) Close() {
	d.impl.Close()
}

// New constructs a new SQLDB instance.
func New(backend, dataSourceName string, maxConns int, logBackend *log.Backend) (*SQLDB, error) {
	db := &SQLDB{
		log: logBackend.GetLogger("sqldb"),
	}

	switch backend {
	case implPgx:
		var err error
		db.impl, err = newPgxImpl(db, dataSourceName, maxConns, logBackend.GetLevel("sqldb"))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("sqldb: Invalid backend: '%v'", backend)
	}

	return db, nil
}
