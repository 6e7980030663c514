package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DarkHighness/void/errors"
)

// WebSocketConfig configures a websocket listener source. Peers connect and
// push one framed message per websocket message.
type WebSocketConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8089".
	Addr string

	// Path is the upgrade endpoint. Defaults to "/".
	Path string
}

// Validate checks the configuration.
func (c WebSocketConfig) Validate() error {
	if c.Addr == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: websocket source needs a listen address", errors.ErrMissingConfig),
			"WebSocketConfig", "Validate", "validate websocket source")
	}
	return nil
}

// WebSocket accepts websocket peers and treats each incoming message as one
// frame. Every connection is its own session.
type WebSocket struct {
	cfg     WebSocketConfig
	logger  *slog.Logger
	session atomic.Uint64

	upgrader websocket.Upgrader
}

// NewWebSocket creates a websocket source.
func NewWebSocket(cfg WebSocketConfig, logger *slog.Logger) (*WebSocket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WebSocket{
		cfg:    cfg,
		logger: logger.With("source", "websocket", "addr", cfg.Addr),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Name implements Source.
func (s *WebSocket) Name() string {
	return fmt.Sprintf("websocket(%s)", s.cfg.Addr)
}

// Run implements Source.
func (s *WebSocket) Run(ctx context.Context, out chan<- Frame) error {
	path := s.cfg.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.Handle(path, s.handler(ctx, out))

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapFatal(err, "WebSocket", "Run", "serve websocket listener")
		}
		return nil
	}
}

// handler upgrades each request and pumps its messages as frames.
func (s *WebSocket) handler(ctx context.Context, out chan<- Frame) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		session := s.session.Add(1)
		s.logger.Debug("peer connected", "session", session, "remote", r.RemoteAddr)
		s.serve(ctx, conn, session, out)
	})
}

func (s *WebSocket) serve(ctx context.Context, conn *websocket.Conn, session uint64, out chan<- Frame) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() { _ = conn.Close() }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("peer read failed", "session", session, "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		if err := emit(ctx, out, Frame{Session: session, Data: data}); err != nil {
			return
		}
	}
}
