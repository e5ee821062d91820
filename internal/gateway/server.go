// Package gateway serves the walink browser UI and the WebSocket endpoint
// that relays linking events to it.
package gateway

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/walink/internal/config"
	"github.com/nextlevelbuilder/walink/internal/creds"
	"github.com/nextlevelbuilder/walink/internal/linker"
)

//go:embed web
var webFS embed.FS

// Server owns the HTTP listener, the credential store and the shared
// per-identifier registry.
type Server struct {
	cfg      *config.Config
	store    *creds.Store
	dialer   linker.Dialer
	registry *linker.Registry
	limiter  *RateLimiter
	upgrader websocket.Upgrader
}

// NewServer wires a gateway around the given protocol dialer.
func NewServer(cfg *config.Config, dialer linker.Dialer) *Server {
	return &Server{
		cfg:      cfg,
		store:    creds.NewStore(cfg.SessionsDir()),
		dialer:   dialer,
		registry: linker.NewRegistry(),
		limiter:  NewRateLimiter(cfg.Gateway.RateLimitPerMin, cfg.Gateway.RateLimitBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI is served same-origin; other origins are fine for
			// CLI/tooling clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	static, err := fs.Sub(webFS, "web")
	if err != nil {
		return fmt.Errorf("embedded UI: %w", err)
	}
	mux.Handle("/", http.FileServer(http.FS(static)))
	mux.HandleFunc("/ws", s.handleWS(ctx))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", "http://"+addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWS(serverCtx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		client := NewClient(conn, s, remoteIP(r))
		slog.Info("client connected", "client", client.id, "ip", client.ip)
		client.Run(serverCtx)
		slog.Info("client disconnected", "client", client.id)
	}
}

// remoteIP extracts the client IP for rate limiting, preferring the last
// X-Forwarded-For hop when behind a reverse proxy.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
