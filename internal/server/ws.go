package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/asr-ws-bridge/internal/config"
	"github.com/skypro1111/asr-ws-bridge/internal/metrics"
	"github.com/skypro1111/asr-ws-bridge/internal/session"
)

// WSServer accepts client WebSocket connections and hands them to the
// session manager.
type WSServer struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	manager  *session.Manager
	upgrader websocket.Upgrader
	srv      *http.Server
}

// NewWSServer creates the client-facing WebSocket server
func NewWSServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, mgr *session.Manager) *WSServer {
	return &WSServer{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		manager: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; auth is out
			// of scope for the bridge itself.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the WebSocket listener. It blocks until the server stops.
func (s *WSServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddress, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("WebSocket server listening",
		slog.String("address", addr),
		slog.Bool("tls", s.cfg.Server.TLSEnabled),
		slog.Int("max_connections", s.cfg.Server.MaxConnections),
	)

	var err error
	if s.cfg.Server.TLSEnabled {
		err = s.srv.ListenAndServeTLS(s.cfg.Server.TLSCertPath, s.cfg.Server.TLSKeyPath)
	} else {
		err = s.srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// handleWS upgrades a client connection and runs its session
func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	sess := s.manager.Admit(conn)
	if sess == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go sess.Run()
}

// Stop shuts the listener down gracefully
func (s *WSServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
