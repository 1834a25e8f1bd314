// quic.go - QUIC stream sessions.
// Copyright (C) 2023  Masala.
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

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// QuicConn adapts a QUIC connection carrying a single stream to net.Conn.
type QuicConn struct {
	Stream *quic.Stream
	Conn   *quic.Conn
}

// LocalAddr implements net.Conn.
func (q *QuicConn) LocalAddr() net.Addr {
	return q.Conn.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.Conn.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.Stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.Stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.Stream.SetWriteDeadline(t)
}

// Read implements net.Conn.
func (q *QuicConn) Read(b []byte) (int, error) {
	return q.Stream.Read(b)
}

// Write implements net.Conn.
func (q *QuicConn) Write(b []byte) (int, error) {
	return q.Stream.Write(b)
}

// Close implements net.Conn, tearing down the whole QUIC connection.
func (q *QuicConn) Close() error {
	q.Stream.CancelRead(0)
	err := q.Stream.Close()
	q.Conn.CloseWithError(0, "")
	return err
}

// QuicListener implements net.Listener over a QUIC listener.  The relay
// speaks first, so Accept opens the session stream rather than waiting for
// the peer to open one.
type QuicListener struct {
	Listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// ListenQUIC listens for QUIC connections on addr with a throwaway
// certificate.  Peers authenticate each other inside the session.
func ListenQUIC(addr string, keepAlive time.Duration) (*QuicListener, error) {
	l, err := quic.ListenAddr(addr, GenerateTLSConfig(), &quic.Config{KeepAlivePeriod: keepAlive})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QuicListener{Listener: l, ctx: ctx, cancel: cancel}, nil
}

// Accept implements net.Listener.
func (l *QuicListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	stream, err := conn.OpenStreamSync(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &QuicConn{Conn: conn, Stream: stream}, nil
}

// Addr implements net.Listener.
func (l *QuicListener) Addr() net.Addr {
	return l.Listener.Addr()
}

// Close implements net.Listener.
func (l *QuicListener) Close() error {
	l.cancel()
	return l.Listener.Close()
}

// DialQUIC connects to a QUIC relay listener and accepts the session
// stream it opens.
func DialQUIC(ctx context.Context, addr string, keepAlive time.Duration) (*QuicConn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{KeepAlivePeriod: keepAlive})
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &QuicConn{Conn: conn, Stream: stream}, nil
}

// GenerateTLSConfig returns a bare-bones TLS config with a self signed
// certificate.
func GenerateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}
	// ALPN is visible in the QUIC handshake, so use a common protocol.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}
