//go:build pyroscope
// +build pyroscope

// Package profiling starts continuous profiling in builds tagged pyroscope.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start starts pushing profiles to the Pyroscope server named by the
// PYROSCOPE_SERVER_ADDRESS environment variable.
func Start(log *logging.Logger, identifier string) error {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "katzenpost.relay"
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"instance": identifier,
		},
	})
	if err != nil {
		return err
	}
	log.Noticef("Pushing profiles to %s as %s{instance=%s}", serverAddress, appName, identifier)
	return nil
}
