// Package utils provides file helpers shared by the relay and its tools.
package utils

import (
	"errors"
	"os"
)

// Exists returns false iff f does not exist.  Other stat failures count as
// existing.
func Exists(f string) bool {
	_, err := os.Stat(f)
	return !errors.Is(err, os.ErrNotExist)
}

// AllExist returns true iff every file exists.
func AllExist(files ...string) bool {
	for _, f := range files {
		if !Exists(f) {
			return false
		}
	}
	return true
}

// NoneExist returns true iff none of the files exist.
func NoneExist(files ...string) bool {
	for _, f := range files {
		if Exists(f) {
			return false
		}
	}
	return true
}
