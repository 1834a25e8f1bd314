// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the framed duplex sessions the relay speaks
// over: raw TCP and QUIC streams, and WebSocket connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Address schemes.
const (
	SchemeTCP  = "tcp"
	SchemeTCP4 = "tcp4"
	SchemeTCP6 = "tcp6"
	SchemeQUIC = "quic"
	SchemeWS   = "ws"
	SchemeWSS  = "wss"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("transport: session closed")

// Session is a framed duplex channel to a single peer.
//
// ReadFrame must only be called from one go routine at a time, and
// likewise WriteFrame.  Close and IsReady may be called concurrently with
// either.
type Session interface {
	// IsReady returns true iff the session is open.
	IsReady() bool

	// ReadFrame reads the next frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes b as a single frame.
	WriteFrame(b []byte) error

	// SetDeadline sets the read and write deadline, with the zero value
	// clearing it.
	SetDeadline(t time.Time) error

	// RemoteAddr returns a printable peer address.
	RemoteAddr() string

	// Close closes the session.
	Close() error
}

// Options configures sessions.
type Options struct {
	// MaxFrameSize bounds inbound frames.
	MaxFrameSize int

	// KeepAlive is the keepalive interval for transports that support it.
	KeepAlive time.Duration
}

// Dial connects to the relay at rawURL, which must use one of the tcp,
// tcp4, tcp6, quic, ws or wss schemes.
func Dial(ctx context.Context, rawURL string, opts *Options) (Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeTCP, SchemeTCP4, SchemeTCP6:
		d := net.Dialer{KeepAlive: opts.KeepAlive}
		conn, err := d.DialContext(ctx, u.Scheme, u.Host)
		if err != nil {
			return nil, err
		}
		return NewStreamSession(conn, opts.MaxFrameSize), nil
	case SchemeQUIC:
		conn, err := DialQUIC(ctx, u.Host, opts.KeepAlive)
		if err != nil {
			return nil, err
		}
		return NewStreamSession(conn, opts.MaxFrameSize), nil
	case SchemeWS, SchemeWSS:
		return DialWebSocket(ctx, rawURL, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme: '%v'", u.Scheme)
	}
}
