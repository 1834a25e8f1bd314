// server.go - Katzenpost relay server.
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

// Package server provides the Katzenpost relay server.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/log"
	"github.com/katzenpost/relay/core/thwack"
	"github.com/katzenpost/relay/server/config"
	"github.com/katzenpost/relay/server/directory"
	"github.com/katzenpost/relay/server/internal/glue"
	"github.com/katzenpost/relay/server/internal/httpd"
	"github.com/katzenpost/relay/server/internal/incoming"
	"github.com/katzenpost/relay/server/internal/instrument"
	"github.com/katzenpost/relay/server/internal/management"
	"github.com/katzenpost/relay/server/internal/profiling"
	"github.com/katzenpost/relay/server/internal/router"
	"github.com/katzenpost/relay/server/internal/sqldb"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/messagestore/boltstore"
	"github.com/katzenpost/relay/server/policy"
	"github.com/katzenpost/relay/server/policy/boltpolicy"
)

const (
	identityPrivateKeyFile = "identity.private.pem"
	identityPublicKeyFile  = "identity.public.pem"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Option customizes a Server.
type Option func(*Server)

// WithIdentityKey sets the relay key pair instead of loading it from the
// DataDir.  The instances of a mesh share one key pair.
func WithIdentityKey(sk sign.PrivateKey, pk sign.PublicKey) Option {
	return func(s *Server) {
		s.identityKey = sk
		s.identityPublicKey = pk
	}
}

// WithRemoteTable sets the mesh connection table, overriding the SQL
// table enabled by the Mesh configuration.
func WithRemoteTable(t directory.RemoteTable) Option {
	return func(s *Server) {
		s.remoteTable = t
	}
}

// Server is a Katzenpost relay server instance.
type Server struct {
	cfg *config.Config

	identityKey       sign.PrivateKey
	identityPublicKey sign.PublicKey

	logBackend *log.Backend
	log        *logging.Logger

	sqlDB       *sqldb.SQLDB
	remoteTable directory.RemoteTable
	policies    *policy.Store
	messages    messagestore.Store
	directory   *directory.Directory
	router      *router.Router
	sessions    *incoming.Sessions
	listeners   []glue.Listener
	httpd       *httpd.Server
	metrics     *http.Server
	sweeper     *sweeper
	management  *thwack.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initIdentity() error {
	if s.identityKey != nil {
		return nil
	}
	var err error
	s.identityKey, s.identityPublicKey, err = keys.LoadOrGenerate(
		filepath.Join(s.cfg.Server.DataDir, identityPrivateKeyFile),
		filepath.Join(s.cfg.Server.DataDir, identityPublicKeyFile),
	)
	return err
}

func (s *Server) rootIdentity() identity.ID {
	if s.cfg.Server.RootIdentity != "" {
		id, _ := identity.Parse(s.cfg.Server.RootIdentity)
		return id
	}
	return identity.FromPublicKey(s.identityPublicKey)
}

func (s *Server) initPolicies() error {
	var (
		backend policy.Backend
		err     error
	)
	switch s.cfg.PolicyDB.Backend {
	case config.BackendMemory:
		backend = policy.NewMemoryBackend()
	case config.BackendBolt:
		backend, err = boltpolicy.New(s.cfg.PolicyDB.Bolt.Path)
	case config.BackendSQL:
		backend = s.sqlDB.PolicyBackend()
	default:
		err = fmt.Errorf("server: invalid PolicyDB backend: '%v'", s.cfg.PolicyDB.Backend)
	}
	if err != nil {
		return err
	}

	var opts []policy.StoreOption
	if s.cfg.PolicyDB.DefaultPolicy != "" {
		opts = append(opts, policy.WithDefaultPolicy(s.cfg.PolicyDB.DefaultPolicy))
	}
	root := s.rootIdentity()
	s.policies = policy.NewStore(root, backend, s.logBackend.GetLogger("policy"), opts...)
	s.log.Noticef("Root authority is: %v", root)

	// Apply the configured policies and assignments as the root authority.
	for _, v := range s.cfg.Policy {
		if err = s.policies.SetPolicy(root, v.ToPolicy()); err != nil {
			return fmt.Errorf("server: failed to apply policy '%v': %v", v.Name, err)
		}
	}
	for _, v := range s.cfg.UserPolicy {
		if err = s.policies.SetUserPolicy(root, v.ID(), v.Policy); err != nil {
			return fmt.Errorf("server: failed to assign policy '%v' to '%v': %v", v.Policy, v.User, err)
		}
	}
	return nil
}

func (s *Server) initMessages() error {
	mCfg := s.cfg.MessageDB
	quota := messagestore.NewQuota(s.policies, mCfg.MaxBytesStored, s.logBackend.GetLogger("messagestore"))
	var err error
	switch mCfg.Backend {
	case config.BackendMemory:
		s.messages = messagestore.NewMemoryStore(quota)
	case config.BackendBolt:
		s.messages, err = boltstore.New(mCfg.Bolt.Path, quota)
	case config.BackendSQL:
		s.messages = s.sqlDB.MessageStore(quota)
	default:
		err = fmt.Errorf("server: invalid MessageDB backend: '%v'", mCfg.Backend)
	}
	return err
}

func (s *Server) initMetrics() error {
	addr := s.cfg.Server.MetricsAddress
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", instrument.Handler())
	s.metrics = &http.Server{
		Handler:  mux,
		ErrorLog: s.logBackend.GetGoLogger("metrics", "warning"),
	}
	go func() {
		if err := s.metrics.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
	s.log.Noticef("Metrics available on: http://%v/metrics", l.Addr())
	return nil
}

// IdentityKey returns the running server's identity public key.
func (s *Server) IdentityKey() sign.PublicKey {
	return s.identityPublicKey
}

// Identity returns the running server's identity.
func (s *Server) Identity() identity.ID {
	return identity.FromPublicKey(s.identityPublicKey)
}

// Addresses returns the URLs of the stream listeners, with the bound
// ports.
func (s *Server) Addresses() []string {
	addrs := make([]string, 0, len(s.listeners))
	for i, l := range s.listeners {
		u, _ := url.Parse(s.cfg.Server.Addresses[i])
		u.Host = l.Addr().String()
		addrs = append(addrs, u.String())
	}
	return addrs
}

// WebSocketURL returns the ws URL of the WebSocket endpoint, or "" when
// HTTP is not enabled.
func (s *Server) WebSocketURL() string {
	if s.httpd == nil {
		return ""
	}
	u, _ := url.Parse(s.httpd.URL())
	u.Scheme = "ws"
	u.Path = httpd.RelayPath
	return u.String()
}

// MeshAddress returns the base URL peers use to forward to this instance.
func (s *Server) MeshAddress() string {
	return s.directory.Address()
}

// Directory returns the user directory.
func (s *Server) Directory() *directory.Directory {
	return s.directory
}

// Policies returns the policy store.
func (s *Server) Policies() *policy.Store {
	return s.policies
}

// Messages returns the message store.
func (s *Server) Messages() messagestore.Store {
	return s.messages
}

// RotateLog reopens the log file.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
	s.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	// WARNING: The ordering of operations here is deliberate, and should not
	// be altered without a deep understanding of how all the components fit
	// together.

	s.log.Noticef("Starting graceful shutdown.")

	// Stop the management interface.
	if s.management != nil {
		s.management.Halt()
		s.management = nil
	}

	// Stop accepting new sessions.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}
	if s.httpd != nil {
		s.httpd.Halt()
		s.httpd = nil
	}

	// Close every session, authenticated or not.
	if s.sessions != nil {
		s.sessions.Halt()
		s.sessions = nil
	}
	if s.directory != nil {
		s.directory.CloseAll()
	}

	// Stop the aging sweep.
	if s.sweeper != nil {
		s.sweeper.Halt()
		s.sweeper = nil
	}

	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}

	// Flush and close the stores, then the database they may share.
	if s.messages != nil {
		s.messages.Close()
		s.messages = nil
	}
	if s.policies != nil {
		s.policies.Close()
		s.policies = nil
	}
	if s.sqlDB != nil {
		s.sqlDB.Close()
		s.sqlDB = nil
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})
	for _, opt := range opts {
		opt(s)
	}
	goo := &serverGlue{s}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	// Initialize the relay identity.
	if err := s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Server identity is: %v", s.Identity())

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	if s.cfg.Debug.Profiling {
		if err := profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Server.Identifier); err != nil {
			s.log.Errorf("Failed to start profiling: %v", err)
			return nil, err
		}
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Bring up the storage.
	var err error
	if s.cfg.SQLDB != nil {
		if s.sqlDB, err = sqldb.New(s.cfg.SQLDB.Backend, s.cfg.SQLDB.DataSourceName, s.cfg.SQLDB.MaxConnections, s.logBackend); err != nil {
			s.log.Errorf("Failed to initialize SQL database: %v", err)
			return nil, err
		}
	}
	if err = s.initPolicies(); err != nil {
		s.log.Errorf("Failed to initialize policy store: %v", err)
		return nil, err
	}
	if err = s.initMessages(); err != nil {
		s.log.Errorf("Failed to initialize message store: %v", err)
		return nil, err
	}

	// Initialize the management interface if enabled.
	//
	// Note: This is done first so that other subsystems may register commands.
	if s.cfg.Management.Enable {
		mgmtCfg := &thwack.Config{
			Net:         "unix",
			Addr:        s.cfg.Management.Path,
			ServiceName: s.cfg.Server.Identifier + " Katzenpost Relay Management Interface",
			LogModule:   "mgmt",
			NewLoggerFn: s.logBackend.GetLogger,
		}
		if s.management, err = thwack.New(mgmtCfg); err != nil {
			s.log.Errorf("Failed to initialize management interface: %v", err)
			return nil, err
		}

		const shutdownCmd = "SHUTDOWN"
		s.management.RegisterCommand(shutdownCmd, func(c *thwack.Conn, l string) error {
			if err := c.WriteReply(thwack.StatusOk); err != nil {
				return err
			}
			s.fatalErrCh <- fmt.Errorf("user requested shutdown via mgmt interface")
			return nil
		})
		management.Register(goo)
	}

	// Bind the HTTP front end, whose address the directory advertises to
	// mesh peers.
	address := s.cfg.Server.PublicAddress
	if s.cfg.Server.HTTPAddress != "" {
		if s.httpd, err = httpd.New(goo); err != nil {
			return nil, err
		}
		if address == "" {
			address = s.httpd.URL()
		}
	}
	if s.remoteTable == nil && s.cfg.Mesh.Enable {
		s.remoteTable = s.sqlDB.RemoteTable()
	}
	if s.remoteTable != nil {
		s.log.Noticef("Mesh forwarding enabled, peers reach this instance at: %v", address)
	}
	s.directory = directory.New(address, s.remoteTable, s.logBackend.GetLogger("directory"))
	s.router = router.New(goo)
	s.sessions = incoming.NewSessions(goo)

	// Bring the listener(s) online.
	s.listeners = make([]glue.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(goo, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}
	if s.httpd != nil {
		s.httpd.Start()
	}

	if s.cfg.Server.MetricsAddress != "" {
		if err = s.initMetrics(); err != nil {
			s.log.Errorf("Failed to start metrics endpoint: %v", err)
			return nil, err
		}
	}
	s.sweeper = newSweeper(goo)

	// Start listening on the management interface if enabled, now that every
	// subsystem that wants to register commands has had the opportunity to do
	// so.
	if s.management != nil {
		if err = s.management.Start(); err != nil {
			s.log.Errorf("Failed to start management interface: %v", err)
			return nil, err
		}
	}

	isOk = true
	return s, nil
}
