// config_test.go - Server configuration tests.
// Copyright (C) 2017  Yawning Angel
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

package config

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relay/core/identity"
	"github.com/katzenpost/relay/core/wire"
	"github.com/katzenpost/relay/server/messagestore"
	"github.com/katzenpost/relay/server/policy"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")
	require.EqualError(err, "No nil buffer as config file")

	var user identity.ID
	user[0] = 7

	const basicConfig = `# A basic configuration example.
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:29483", "quic://[::1]:29484" ]
HTTPAddress = "127.0.0.1:8080"
DataDir = "%s"

[Logging]
Level = "debug"

[MessageDB]
MaxMessageAge = 86400000

[[Policy]]
Name = "default"
CanConnect = true
MaxStoredBytes = 4096

[[Policy]]
Name = "admin"
CanConnect = true
IsAdmin = true
CanEditUserPolicies = true

[[UserPolicy]]
User = "%s"
Policy = "admin"
`
	dataDir := t.TempDir()
	cfg, err := Load([]byte(fmt.Sprintf(basicConfig, dataDir, user)))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(BackendBolt, cfg.PolicyDB.Backend)
	require.Equal(filepath.Join(dataDir, defaultPolicyDB), cfg.PolicyDB.Bolt.Path)
	require.Equal(BackendBolt, cfg.MessageDB.Backend)
	require.Equal(filepath.Join(dataDir, defaultMessageDB), cfg.MessageDB.Bolt.Path)
	require.Equal(int64(messagestore.DefaultMaxBytesStored), cfg.MessageDB.MaxBytesStored)
	require.Equal(86400000, cfg.MessageDB.MaxMessageAge)
	require.Equal(defaultSweepInterval, cfg.MessageDB.SweepInterval)
	require.Equal(filepath.Join(dataDir, defaultManagementSocket), cfg.Management.Path)
	require.Equal(defaultHandshakeTimeout, cfg.Debug.HandshakeTimeout)
	require.Equal(defaultNumChallengeBytes, cfg.Debug.NumChallengeBytes)
	require.Equal(wire.DefaultMaxFrameSize, cfg.Debug.MaxFrameSize)

	require.Len(cfg.Policy, 2)
	p := cfg.Policy[0].ToPolicy()
	require.Equal("default", p.Name)
	require.True(p.Connection.CanConnect)
	require.Equal(int64(4096), p.Storage.MaxStoredBytes)
	require.Equal(int64(policy.DefaultMaxPayloadSize), p.Message.MaxPayloadSize)
	require.True(cfg.Policy[1].ToPolicy().Admin.IsAdmin)

	require.Len(cfg.UserPolicy, 1)
	require.Equal(user, cfg.UserPolicy[0].ID())
}

func TestIncompleteConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`[Logging]
Level = "DEBUG"
`))
	require.EqualError(err, "config: No Server block was present")

	_, err = Load([]byte(`[Server]
Identifier = "relay.example.com"
DataDir = "/var/lib/relay"
`))
	require.EqualError(err, "config: Server: neither Addresses nor HTTPAddress is set")
}

func TestInvalidConfig(t *testing.T) {
	const server = `[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:29483" ]
DataDir = "/var/lib/relay"
`
	for _, tc := range []struct {
		name, config, err string
	}{
		{
			"relative DataDir",
			"[Server]\nIdentifier = \"x\"\nAddresses = [ \"tcp://127.0.0.1:1\" ]\nDataDir = \"relay\"\n",
			"config: Server: DataDir 'relay' is not an absolute path",
		},
		{
			"unsupported scheme",
			"[Server]\nIdentifier = \"x\"\nAddresses = [ \"udp://127.0.0.1:1\" ]\nDataDir = \"/var/lib/relay\"\n",
			"config: Server: Address 'udp://127.0.0.1:1' has unsupported scheme 'udp'",
		},
		{
			"sql without SQLDB",
			server + "[MessageDB]\nBackend = \"sql\"\n",
			"config: MessageDB: configured for an SQL backend without a SQLDB block",
		},
		{
			"mesh without SQLDB",
			server + "[Mesh]\nEnable = true\n",
			"config: Mesh: enabled without a SQLDB block",
		},
		{
			"bad log level",
			server + "[Logging]\nLevel = \"LOUD\"\n",
			"config: Logging: Level 'LOUD' is invalid",
		},
		{
			"non-normalized policy",
			server + "[[Policy]]\nName = \"Default\"\n",
			"config: Policy: 'Default' has a non-normalized name, expected 'default'",
		},
		{
			"duplicate policy",
			server + "[[Policy]]\nName = \"default\"\n[[Policy]]\nName = \"default\"\n",
			"config: Policy: 'default' configured multiple times",
		},
		{
			"bad user",
			server + "[[UserPolicy]]\nUser = \"!!\"\nPolicy = \"default\"\n",
			"",
		},
		{
			"unknown key",
			server + "[Debug]\nNumSphinxWorkers = 3\n",
			"",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.config))
			if tc.err == "" {
				require.Error(t, err)
				return
			}
			require.EqualError(t, err, tc.err)
		})
	}
}
