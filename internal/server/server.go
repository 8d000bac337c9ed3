// Package server wires one resourced listener: it upgrades incoming
// WebSocket connections, authenticates each one's initial Authorization
// header if present, and hands the connection off to a fresh
// internal/session.Session. Modelled on the teacher's
// internal/network.Server (NewServer/Start/handleWebSocket/Shutdown), but
// client-server rather than peer-to-peer: one internal/wire.Conn per
// browser/client instead of a mesh of peer connections, and no
// ConnectToPeer/outbound dial side.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncmesh/resourced/internal/auth"
	"github.com/syncmesh/resourced/internal/config"
	"github.com/syncmesh/resourced/internal/logger"
	"github.com/syncmesh/resourced/internal/monitoring"
	"github.com/syncmesh/resourced/internal/resources"
	"github.com/syncmesh/resourced/internal/session"
	"github.com/syncmesh/resourced/internal/wire"
)

// Server accepts client connections and runs one Session per connection.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *monitoring.Metrics
	checker *monitoring.Checker
	manager *resources.Manager
	authn   *auth.Authenticator

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

// New constructs a Server. Cross-instance bus wiring (SPEC_FULL.md §3), if
// any, is attached directly to manager via resources.Manager.AttachBus
// before it is passed here — the server itself never touches the bus.
func New(cfg *config.Config, log *logger.Logger, manager *resources.Manager, authn *auth.Authenticator, metrics *monitoring.Metrics, checker *monitoring.Checker) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		checker: checker,
		manager: manager,
		authn:   authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session.Session]struct{}),
	}
}

// Start binds the listen address and begins serving in the background; it
// returns once the HTTP server is confirmed up or has failed immediately.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	s.log.Infof("starting %s server (address: %s)", s.cfg.Protocol, s.httpServer.Addr)

	started := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertificatePath != "" && s.cfg.PrivateKeyPath != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.CertificatePath, s.cfg.PrivateKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
		started <- err
	}()

	select {
	case err := <-started:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: start listener: %w", err)
		}
	case <-time.After(time.Second):
		s.log.Infof("server started on %s", s.httpServer.Addr)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil || s.checker.GetOverallStatus() == monitoring.StatusHealthy {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// handleUpgrade upgrades the HTTP request to a WebSocket connection, wraps
// it in an internal/wire.Conn, and spawns a Session to drive it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("failed to upgrade connection: %v", err)
		return
	}

	conn := wire.NewConn(ws, s.log, s.cfg.MaxSegmentSize)
	sess := session.New(conn, s.manager, s.authn, s.log, s.metrics, session.Config{
		LocalMode:        s.cfg.LocalMode,
		PublicDataAccess: s.cfg.PublicDataAccess,
		PoolSize:         s.cfg.PoolSize,
		PoolDelay:        s.cfg.PoolDelay,
	})

	if header := r.Header.Get("Authorization"); header != "" && !s.cfg.LocalMode {
		user, password, err := auth.ParseBearer(header)
		if err != nil {
			s.log.Warnf("rejecting connection with malformed Authorization header: %v", err)
		} else if err := s.authn.Login(r.Context(), user, password); err != nil {
			s.log.Warnf("rejecting connection for user %q: %v", user, err)
		} else {
			sess.Authenticate(user)
		}
	}

	s.track(sess)
	s.log.Infof("session established (id: %s, remote: %s)", sess.ID, r.RemoteAddr)

	go func() {
		defer s.untrack(sess)
		if err := sess.Run(context.Background()); err != nil {
			s.log.Debugf("session closed (id: %s, remote: %s): %v", sess.ID, r.RemoteAddr, err)
		}
	}()
}

func (s *Server) track(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncActiveConnections()
	}
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.DecActiveConnections()
	}
}

// TerminateAll sends every live connection a termination notice and closes
// it: the per-process reaction to SIGHUP (spec.md §5).
func (s *Server) TerminateAll(reason string) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.log.Infof("terminating %d sessions: %s", len(sessions), reason)
	for _, sess := range sessions {
		sess.Terminate(reason)
	}
}

// Shutdown terminates every connection then stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.TerminateAll("server shutting down")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
