// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the relay's length prefixed framing.
//
// Every frame and every length prefixed field is preceded by its length as
// a 4 byte big endian unsigned integer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// PrefixLength is the size of a length prefix.
	PrefixLength = 4

	// DefaultMaxFrameSize is the default upper bound on a frame.
	DefaultMaxFrameSize = 64 * 1024 * 1024
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("wire: frame too large")

	// ErrShortFrame is returned when a length prefixed field is truncated.
	ErrShortFrame = errors.New("wire: truncated length prefixed field")
)

// WriteFrame writes b to w as a single length prefixed frame.
func WriteFrame(w io.Writer, b []byte) error {
	buf := make([]byte, 0, PrefixLength+len(b))
	buf = AppendField(buf, b)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads a single length prefixed frame of at most maxSize bytes
// from r.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [PrefixLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

// AppendField appends b to dst as a length prefixed field.
func AppendField(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// SplitField splits a length prefixed field off the front of b, returning
// the field and the remainder.
func SplitField(b []byte) (field, rest []byte, err error) {
	if len(b) < PrefixLength {
		return nil, nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(b)
	b = b[PrefixLength:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, ErrShortFrame
	}
	return b[:n], b[n:], nil
}
