// config.go - Relay server configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the relay server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultHandshakeTimeout  = 30 * 1000 // 30 sec.
	defaultForwardTimeout    = 10 * 1000 // 10 sec.
	defaultNumChallengeBytes = 32
	minNumChallengeBytes     = 16
	defaultSweepInterval     = 60 * 1000 // 60 sec.
	defaultSweepLimit        = 1000
	defaultPolicyDB          = "policy.db"
	defaultMessageDB         = "messages.db"
	defaultManagementSocket  = "management_sock"

	backendPgx = "pgx"

	// BackendMemory is an in-memory backend.
	BackendMemory = "memory"

	// BackendBolt is a BoltDB based backend.
	BackendBolt = "bolt"

	// BackendSQL is a SQL based backend.
	BackendSQL = "sql"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the relay server configuration.
type Server struct {
	// Identifier is the human readable identifier for the relay (eg: FQDN).
	Identifier string

	// Addresses are the stream listener URLs, eg: tcp://0.0.0.0:4567 or
	// quic://0.0.0.0:4568.
	Addresses []string

	// HTTPAddress is the host:port serving WebSocket sessions and the
	// mesh forwarding endpoint.
	HTTPAddress string

	// PublicAddress is the base URL mesh peers use to reach HTTPAddress.
	// It defaults to http:// and the bound HTTP address.
	PublicAddress string

	// MetricsAddress is the address/port to bind the prometheus metrics endpoint to.
	MetricsAddress string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// RootIdentity is the identity of the root policy authority.  It
	// defaults to the relay's own identity.
	RootIdentity string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if len(sCfg.Addresses) == 0 && sCfg.HTTPAddress == "" {
		return errors.New("config: Server: neither Addresses nor HTTPAddress is set")
	}
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case transport.SchemeTCP, transport.SchemeTCP4, transport.SchemeTCP6, transport.SchemeQUIC:
		default:
			return fmt.Errorf("config: Server: Address '%v' has unsupported scheme '%v'", v, u.Scheme)
		}
		if u.Port() == "" {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
		}
	}
	if sCfg.HTTPAddress != "" {
		if _, _, err := net.SplitHostPort(sCfg.HTTPAddress); err != nil {
			return fmt.Errorf("config: Server: HTTPAddress '%v' is invalid: %v", sCfg.HTTPAddress, err)
		}
	}
	if sCfg.PublicAddress != "" {
		u, err := url.Parse(sCfg.PublicAddress)
		if err != nil {
			return fmt.Errorf("config: Server: PublicAddress '%v' is invalid: %v", sCfg.PublicAddress, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: Server: PublicAddress '%v' is not an http URL", sCfg.PublicAddress)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	if sCfg.RootIdentity != "" {
		if _, err := identity.Parse(sCfg.RootIdentity); err != nil {
			return fmt.Errorf("config: Server: RootIdentity '%v' is invalid: %v", sCfg.RootIdentity, err)
		}
	}
	return nil
}

// Debug is the relay server debug configuration.
type Debug struct {
	// HandshakeTimeout specifies the authentication timeout in
	// milliseconds.
	HandshakeTimeout int

	// ForwardTimeout specifies the timeout of a forward to a mesh peer in
	// milliseconds.
	ForwardTimeout int

	// NumChallengeBytes is the length of authentication challenges.
	NumChallengeBytes int

	// MaxFrameSize is the largest frame a session will read.
	MaxFrameSize int

	// KeepAliveInterval is the QUIC keep alive and WebSocket ping
	// interval in milliseconds.  0 selects the transport default.
	KeepAliveInterval int

	// GenerateOnly halts and cleans up the server right after long term
	// key generation.
	GenerateOnly bool

	// Profiling pushes continuous profiles to Pyroscope, in binaries built
	// with the pyroscope tag.
	Profiling bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.ForwardTimeout <= 0 {
		dCfg.ForwardTimeout = defaultForwardTimeout
	}
	if dCfg.NumChallengeBytes <= 0 {
		dCfg.NumChallengeBytes = defaultNumChallengeBytes
	}
	if dCfg.MaxFrameSize <= 0 {
		dCfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
}

func (dCfg *Debug) validate() error {
	if dCfg.NumChallengeBytes < minNumChallengeBytes {
		return fmt.Errorf("config: Debug: NumChallengeBytes %d is less than %d", dCfg.NumChallengeBytes, minNumChallengeBytes)
	}
	if dCfg.KeepAliveInterval < 0 {
		return errors.New("config: Debug: KeepAliveInterval is negative")
	}
	return nil
}

// Logging is the relay server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// BoltDB is the configuration of a BoltDB backed store.
type BoltDB struct {
	// Path is the path to the database file.
	Path string
}

// PolicyDB is the policy store configuration.
type PolicyDB struct {
	// Backend is the active policy backend.  If left empty, the
	// BoltPolicyDB backend will be used (`bolt`).
	Backend string

	// Bolt is the BoltDB backend configuration.
	Bolt *BoltDB

	// DefaultPolicy names the policy of users without an assignment.
	// When empty such users have no policy and are refused.
	DefaultPolicy string
}

// MessageDB is the message store configuration.
type MessageDB struct {
	// Backend is the active message store backend.  If left empty, the
	// BoltDB backend will be used (`bolt`).
	Backend string

	// Bolt is the BoltDB backend configuration.
	Bolt *BoltDB

	// MaxBytesStored is the global storage budget in bytes.
	MaxBytesStored int64

	// MaxMessageAge is the age in milliseconds after which stored
	// messages are removed.  0 keeps messages forever.
	MaxMessageAge int

	// SweepInterval is the interval between aging sweeps in milliseconds.
	SweepInterval int

	// SweepLimit bounds the messages removed by one sweep.
	SweepLimit int
}

// SQLDB is the SQL database backend configuration.
type SQLDB struct {
	// Backend is the active SQL backend (driver).
	Backend string

	// DataSourceName is the SQL data source name or URI.  The format
	// of this parameter is dependent on the database driver being used.
	DataSourceName string

	// MaxConnections bounds the connection pool.
	MaxConnections int
}

func (sCfg *SQLDB) validate() error {
	switch sCfg.Backend {
	case backendPgx:
	default:
		return fmt.Errorf("config: SQLDB: Backend '%v' is invalid", sCfg.Backend)
	}
	if sCfg.DataSourceName == "" {
		return fmt.Errorf("config: SQLDB: DataSourceName '%v' is invalid", sCfg.DataSourceName)
	}
	return nil
}

func applyBoltDefault(backend *string, bolt **BoltDB, dataDir, file string) {
	if *backend == "" {
		*backend = BackendBolt
	}
	if *backend != BackendBolt {
		return
	}
	if *bolt == nil {
		*bolt = &BoltDB{}
	}
	if (*bolt).Path == "" {
		(*bolt).Path = filepath.Join(dataDir, file)
	}
}

func validateBackend(section, backend string, bolt *BoltDB, sqlDB *SQLDB) error {
	switch backend {
	case BackendMemory:
	case BackendBolt:
		if !filepath.IsAbs(bolt.Path) {
			return fmt.Errorf("config: %v: Bolt.Path '%v' is not an absolute path", section, bolt.Path)
		}
	case BackendSQL:
		if sqlDB == nil {
			return fmt.Errorf("config: %v: configured for an SQL backend without a SQLDB block", section)
		}
	default:
		return fmt.Errorf("config: %v: Invalid Backend: '%v'", section, backend)
	}
	return nil
}

func (pCfg *PolicyDB) applyDefaults(sCfg *Server) {
	applyBoltDefault(&pCfg.Backend, &pCfg.Bolt, sCfg.DataDir, defaultPolicyDB)
}

func (mCfg *MessageDB) applyDefaults(sCfg *Server) {
	applyBoltDefault(&mCfg.Backend, &mCfg.Bolt, sCfg.DataDir, defaultMessageDB)
	if mCfg.MaxBytesStored <= 0 {
		mCfg.MaxBytesStored = messagestore.DefaultMaxBytesStored
	}
	if mCfg.SweepInterval <= 0 {
		mCfg.SweepInterval = defaultSweepInterval
	}
	if mCfg.SweepLimit <= 0 {
		mCfg.SweepLimit = defaultSweepLimit
	}
}

func (mCfg *MessageDB) validate() error {
	if mCfg.MaxMessageAge < 0 {
		return errors.New("config: MessageDB: MaxMessageAge is negative")
	}
	return nil
}

// Mesh is the relay mesh configuration.
type Mesh struct {
	// Enable records the connected users of this instance in the shared
	// SQL database so that peer instances can forward to them.
	Enable bool
}

// Management is the relay management interface configuration.
type Management struct {
	// Enable enables the management interface.
	Enable bool

	// Path specifies the path to the management interface socket.  If
	// left empty it will use `management_sock` under the DataDir.
	Path string
}

func (mCfg *Management) applyDefaults(sCfg *Server) {
	if mCfg.Path == "" {
		mCfg.Path = filepath.Join(sCfg.DataDir, defaultManagementSocket)
	}
}

func (mCfg *Management) validate() error {
	if !mCfg.Enable {
		return nil
	}
	if !filepath.IsAbs(mCfg.Path) {
		return fmt.Errorf("config: Management: Path '%v' is not an absolute path", mCfg.Path)
	}
	return nil
}

// Policy is a policy applied by the root authority at startup.
type Policy struct {
	Name                string
	CanConnect          bool
	MaxPayloadSize      int64
	MaxStoredBytes      int64
	IsAdmin             bool
	CanEditPolicies     bool
	CanEditUserPolicies bool
}

func (pCfg *Policy) applyDefaults() {
	if pCfg.MaxPayloadSize <= 0 {
		pCfg.MaxPayloadSize = policy.DefaultMaxPayloadSize
	}
	if pCfg.MaxStoredBytes <= 0 {
		pCfg.MaxStoredBytes = policy.DefaultMaxStoredBytes
	}
}

func (pCfg *Policy) validate() error {
	norm, err := precis.UsernameCaseMapped.String(pCfg.Name)
	if err != nil {
		return fmt.Errorf("config: Policy: '%v' has an invalid name: %v", pCfg.Name, err)
	}
	if norm != pCfg.Name {
		return fmt.Errorf("config: Policy: '%v' has a non-normalized name, expected '%v'", pCfg.Name, norm)
	}
	return nil
}

// ToPolicy returns the policy described by pCfg.
func (pCfg *Policy) ToPolicy() *policy.Policy {
	return &policy.Policy{
		Name:       pCfg.Name,
		Connection: policy.ConnectionPolicy{CanConnect: pCfg.CanConnect},
		Message:    policy.MessagePolicy{MaxPayloadSize: pCfg.MaxPayloadSize},
		Storage:    policy.StoragePolicy{MaxStoredBytes: pCfg.MaxStoredBytes},
		Admin: policy.AdminPolicy{
			IsAdmin:             pCfg.IsAdmin,
			CanEditPolicies:     pCfg.CanEditPolicies,
			CanEditUserPolicies: pCfg.CanEditUserPolicies,
		},
	}
}

// UserPolicy is a policy assignment applied by the root authority at
// startup.
type UserPolicy struct {
	// User is the identity of the user.
	User string

	// Policy is the name of the assigned policy.
	Policy string
}

// ID returns the parsed user identity.
func (uCfg *UserPolicy) ID() identity.ID {
	id, _ := identity.Parse(uCfg.User)
	return id
}

func (uCfg *UserPolicy) validate() error {
	if _, err := identity.Parse(uCfg.User); err != nil {
		return fmt.Errorf("config: UserPolicy: User '%v' is invalid: %v", uCfg.User, err)
	}
	if uCfg.Policy == "" {
		return fmt.Errorf("config: UserPolicy: User '%v' has no Policy", uCfg.User)
	}
	return nil
}

// Config is the top level relay configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	PolicyDB   *PolicyDB
	MessageDB  *MessageDB
	SQLDB      *SQLDB
	Mesh       *Mesh
	Management *Management

	Policy     []*Policy
	UserPolicy []*UserPolicy

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server block is mandatory, the rest are optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.PolicyDB == nil {
		cfg.PolicyDB = &PolicyDB{}
	}
	if cfg.MessageDB == nil {
		cfg.MessageDB = &MessageDB{}
	}
	if cfg.Mesh == nil {
		cfg.Mesh = &Mesh{}
	}
	if cfg.Management == nil {
		cfg.Management = &Management{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	// Perform basic validation.
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	cfg.PolicyDB.applyDefaults(cfg.Server)
	cfg.MessageDB.applyDefaults(cfg.Server)
	cfg.Management.applyDefaults(cfg.Server)
	cfg.Debug.applyDefaults()

	if cfg.SQLDB != nil {
		if err := cfg.SQLDB.validate(); err != nil {
			return err
		}
	}
	if err := validateBackend("PolicyDB", cfg.PolicyDB.Backend, cfg.PolicyDB.Bolt, cfg.SQLDB); err != nil {
		return err
	}
	if err := validateBackend("MessageDB", cfg.MessageDB.Backend, cfg.MessageDB.Bolt, cfg.SQLDB); err != nil {
		return err
	}
	if err := cfg.MessageDB.validate(); err != nil {
		return err
	}
	if cfg.Mesh.Enable {
		if cfg.SQLDB == nil {
			return errors.New("config: Mesh: enabled without a SQLDB block")
		}
		if cfg.Server.HTTPAddress == "" {
			return errors.New("config: Mesh: enabled without a Server HTTPAddress")
		}
	}
	if err := cfg.Management.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Debug.validate(); err != nil {
		return err
	}

	names := make(map[string]bool)
	for _, v := range cfg.Policy {
		v.applyDefaults()
		if err := v.validate(); err != nil {
			return err
		}
		if names[v.Name] {
			return fmt.Errorf("config: Policy: '%v' configured multiple times", v.Name)
		}
		names[v.Name] = true
	}
	for _, v := range cfg.UserPolicy {
		if err := v.validate(); err != nil {
			return err
		}
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
