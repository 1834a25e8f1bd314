// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"github.com/katzenpost/hpqc/sign"

	"github.com/katzenpost/relay/core/log"
	"github.com/katzenpost/relay/core/thwack"
	"github.com/katzenpost/relay/server/config"
	"github.com/katzenpost/relay/server/directory"
	"github.com/katzenpost/relay/server/internal/glue"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) IdentityKey() sign.PrivateKey {
	return g.s.identityKey
}

func (g *serverGlue) IdentityPublicKey() sign.PublicKey {
	return g.s.identityPublicKey
}

func (g *serverGlue) Management() *thwack.Server {
	return g.s.management
}

func (g *serverGlue) Directory() *directory.Directory {
	return g.s.directory
}

func (g *serverGlue) Policies() *policy.Store {
	return g.s.policies
}

func (g *serverGlue) Messages() messagestore.Store {
	return g.s.messages
}

func (g *serverGlue) Router() glue.Router {
	return g.s.router
}

func (g *serverGlue) Sessions() glue.Sessions {
	return g.s.sessions
}
