// Copyright The Remus Project Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http implements a shared HTTP server with a single multiplexer
// that components register their handlers on. The server can be started,
// stopped, and moved to another endpoint without the registered handlers
// noticing.
package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	logger "github.com/remus-project/remus/pkg/log"
)

var log = logger.Get("http")

// ServeMux is the multiplexer components register handlers on.
type ServeMux struct {
	mu       sync.Mutex
	mux      *http.ServeMux
	handlers map[string]http.Handler
}

// NewServeMux creates an empty multiplexer.
func NewServeMux() *ServeMux {
	return &ServeMux{
		mux:      http.NewServeMux(),
		handlers: make(map[string]http.Handler),
	}
}

// Handle registers a handler for the given pattern.
func (m *ServeMux) Handle(pattern string, handler http.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[pattern]; ok {
		log.Fatalf("pattern %q registered twice", pattern)
	}
	m.handlers[pattern] = handler
	m.mux.Handle(pattern, handler)
	log.Infof("registered handler for %q", pattern)
}

// HandleFunc registers a handler function for the given pattern.
func (m *ServeMux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.Handle(pattern, http.HandlerFunc(handler))
}

// ServeHTTP implements the http.Handler interface.
func (m *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	mux := m.mux
	m.mu.Unlock()
	mux.ServeHTTP(w, req)
}

// Server is an HTTP server bound to one endpoint at a time.
type Server struct {
	mu       sync.Mutex
	mux      *ServeMux
	endpoint string
	ln       net.Listener
	srv      *http.Server
	done     chan struct{}
}

// NewServer creates an idle server with an empty multiplexer.
func NewServer() *Server {
	return &Server{mux: NewServeMux()}
}

// GetMux returns the multiplexer handlers are registered on.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// Start binds the server to the given endpoint and starts serving. An
// empty endpoint leaves the server idle.
func (s *Server) Start(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(endpoint)
}

func (s *Server) start(endpoint string) error {
	if endpoint == "" {
		log.Info("HTTP server is disabled")
		return nil
	}

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return errors.Wrapf(err, "http: failed to listen on %q", endpoint)
	}

	s.endpoint = endpoint
	s.ln = ln
	s.srv = &http.Server{Handler: s.mux}
	s.done = make(chan struct{})

	go func(srv *http.Server, ln net.Listener, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("server exited: %v", err)
		}
	}(s.srv, s.ln, s.done)

	log.Infof("HTTP server listening on %q", endpoint)
	return nil
}

// Stop closes the listener and waits for the serving goroutine to exit.
// Registered handlers survive for a later Start.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

func (s *Server) stop() {
	if s.srv == nil {
		return
	}
	if err := s.srv.Close(); err != nil {
		log.Errorf("failed to close server: %v", err)
	}
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		log.Warnf("timeout waiting for server goroutine to exit")
	}
	s.srv = nil
	s.ln = nil
	s.done = nil
	s.endpoint = ""
}

// Reconfigure moves the server to the given endpoint, restarting it only
// when the endpoint actually changes.
func (s *Server) Reconfigure(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if endpoint == s.endpoint {
		return nil
	}
	s.stop()
	return s.start(endpoint)
}
