// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package httpd implements the relay's HTTP front end: WebSocket client
// sessions and the mesh forwarding endpoint.
package httpd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/crypto/keys"
	"github.com/katzenpost/relay/core/transport"
	"github.com/katzenpost/relay/core/worker"
	"github.com/katzenpost/relay/server/internal/glue"
	"github.com/katzenpost/relay/server/internal/router"
)

const (
	// RelayPath is the WebSocket session endpoint.
	RelayPath = "/relay"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server is the HTTP front end.
type Server struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l   net.Listener
	srv *http.Server
}

// URL returns the http URL of the bound address.
func (s *Server) URL() string {
	return "http://" + s.l.Addr().String()
}

// Halt stops serving.  Hijacked WebSocket sessions belong to glue.Sessions
// and are closed there.
func (s *Server) Halt() {
	defer s.l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warningf("Shutdown: %v", err)
	}
	s.Worker.Halt()
}

func (s *Server) worker() {
	s.log.Noticef("Listening on: %v", s.l.Addr())
	if err := s.srv.Serve(s.l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorf("Serve: %v", err)
	}
	s.log.Noticef("Stopping listening on: %v", s.l.Addr())
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok\n")
}

func (s *Server) handleRelay(w http.ResponseWriter, req *http.Request) {
	cfg := s.glue.Config().Debug
	opts := &transport.Options{
		MaxFrameSize: cfg.MaxFrameSize,
		KeepAlive:    time.Duration(cfg.KeepAliveInterval) * time.Millisecond,
	}
	session, err := transport.Upgrade(w, req, opts)
	if err != nil {
		// The upgrader has already replied.
		s.log.Debugf("WebSocket upgrade from %v failed: %v", req.RemoteAddr, err)
		return
	}
	s.glue.Sessions().OnSession(session)
}

func (s *Server) handleForward(w http.ResponseWriter, req *http.Request) {
	from, err := keys.ParsePublicKeyString(mux.Vars(req)["from"])
	if err != nil {
		http.Error(w, "invalid sender", http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, req.Body, int64(s.glue.Config().Debug.MaxFrameSize))
	b, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err = s.glue.Router().OnForwarded(from, b); err != nil {
		s.log.Warningf("Rejecting forwarded message from %v: %v", req.RemoteAddr, err)
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(RelayPath, s.handleRelay).Methods(http.MethodGet)
	r.HandleFunc(strings.TrimSuffix(router.ForwardPath, "/")+"/{from}", s.handleForward).Methods(http.MethodPost)
	return r
}

// Start starts serving.
func (s *Server) Start() {
	s.Go(s.worker)
}

// New binds the configured HTTPAddress.  Requests are served after Start.
func New(glue glue.Glue) (*Server, error) {
	s := &Server{
		glue: glue,
		log:  glue.LogBackend().GetLogger("httpd"),
	}

	var err error
	if s.l, err = net.Listen("tcp", glue.Config().Server.HTTPAddress); err != nil {
		s.log.Errorf("Failed to start listener '%v': %v", glue.Config().Server.HTTPAddress, err)
		return nil, err
	}
	s.srv = &http.Server{
		Handler:           s.newRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          glue.LogBackend().GetGoLogger("httpd", "warning"),
	}
	return s, nil
}
