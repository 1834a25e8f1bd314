//go:build !pyroscope
// +build !pyroscope

package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing, profiling requires the pyroscope build tag.
func Start(log *logging.Logger, identifier string) error {
	log.Warning("Profiling requested, but this binary was built without the pyroscope tag.")
	return nil
}
