// glue.go - Katzenpost relay internal glue.
// Copyright (C) 2017  Yawning Angel.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"net"

	"github.com/katzenpost/hpqc/sign"

	"github.com/katzenpost/relay/core/log"
	"github.com/katzenpost/relay/core/thwack"
	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/server/config"
	"github.com/katzenpost/relay/server/directory"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	IdentityKey() sign.PrivateKey
	IdentityPublicKey() sign.PublicKey

	Management() *thwack.Server
	Directory() *directory.Directory
	Policies() *policy.Store
	Messages() messagestore.Store
	Router() Router
	Sessions() Sessions
}

// Router delivers payload envelopes.
type Router interface {
	// OnEnvelope handles a payload envelope sent by a local client.
	OnEnvelope(from sign.PublicKey, b []byte) error

	// OnForwarded handles a payload envelope forwarded by a mesh peer on
	// behalf of from.
	OnForwarded(from sign.PublicKey, b []byte) error
}

// Sessions authenticates and serves client sessions.
type Sessions interface {
	Halt()
	OnSession(transport.Session)
}

// Listener accepts client sessions.
type Listener interface {
	Halt()
	Addr() net.Addr
}
