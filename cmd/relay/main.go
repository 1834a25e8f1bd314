// main.go - Katzenpost relay server binary.
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

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/relay/server"
	"github.com/katzenpost/relay/server/config"
)

const defaultConfigFile = "relay.toml"

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Katzenpost store-and-forward message relay",
		Long: `The Katzenpost relay delivers signed and encrypted messages between
authenticated users.  Messages for users that are online are delivered
immediately, storable messages for users that are offline are held until
they next connect.

Several relay instances sharing one key and one SQL database form a mesh,
forwarding messages to the instance holding the recipient's session.`,
		Example: `  # Start the relay with the default configuration file
  relay

  # Start the relay with a specific configuration file
  relay -f /etc/katzenpost/relay.toml

  # Generate the relay key and exit
  relay -f /etc/katzenpost/relay.toml --generate-only

  # List policies over the management interface
  relay admin -s /var/lib/relay/management_sock LIST_POLICIES`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", defaultConfigFile,
		"path to the relay configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the relay key and exit without starting the relay")

	cmd.AddCommand(newGenKeyCommand(), newIdentityCommand(), newAdminCommand())
	return cmd
}

func main() {
	executeWithFang(newRootCommand())
}

func runServer(cfg Config) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	relayCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly {
		relayCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the relay.
	svr, err := server.New(relayCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn relay instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the relay gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate the log upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the relay to explode or be terminated.
	svr.Wait()
	return nil
}
