// HTTP endpoint for Prometheus scraping
//
//	[metrics]
//	address: 127.0.0.1:9100
//	#username:
//	#password:
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
)

// ReadyChecker reports whether the host finished starting.
type ReadyChecker interface {
	IsReady() bool
}

// Server serves /metrics, /health and /ready.
type Server struct {
	hm     *HostMetrics
	ready  ReadyChecker
	addr   string
	server *http.Server
	log    *log.Logger

	username string
	password string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server for hm on addr.
func NewServer(hm *HostMetrics, ready ReadyChecker, addr string) *Server {
	s := &Server{hm: hm, ready: ready, addr: addr, log: log.GetLogger("metrics")}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// NewServerFromConfig builds the [metrics] section and starts serving
// once the printer is ready.
func NewServerFromConfig(p *printer.Printer, hm *HostMetrics, sec *config.Section) (*Server, error) {
	addr, err := sec.Get("address", "127.0.0.1:9100")
	if err != nil {
		return nil, err
	}
	user, err := sec.Get("username", "")
	if err != nil {
		return nil, err
	}
	pass, err := sec.Get("password", "")
	if err != nil {
		return nil, err
	}
	s := NewServer(hm, p, addr)
	s.username, s.password = user, pass
	p.RegisterEventHandler(printer.EventReady, s.Start)
	p.RegisterEventHandler(printer.EventShutdown, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.Shutdown(ctx)
	})
	return s, nil
}

// GetName returns "metrics".
func (s *Server) GetName() string { return "metrics" }

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("serving metrics on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server stopped")
		}
	}()
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	output := s.hm.Gather()
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.ready != nil && s.ready.IsReady() {
		_, _ = w.Write([]byte("Ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Not Ready\n"))
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="vpin metrics"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// GetStatus returns the listening address.
func (s *Server) GetStatus(eventtime float64) map[string]interface{} {
	return map[string]interface{}{"address": s.Addr()}
}

// Register installs the [metrics] factory serving hm.
func Register(p *printer.Printer, hm *HostMetrics) {
	p.Modules().Register("metrics", func(sec *config.Section) (config.Module, error) {
		return NewServerFromConfig(p, hm, sec)
	})
}
